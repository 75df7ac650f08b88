// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	SessionSecret string // セッションクッキー署名用の秘密鍵

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 外部サービス設定
	ConvertAPIBase string // 変換サービスのベースURL（例: https://api.example.com/api）
	AccountAPIBase string // アカウントサービスのベースURL

	// 変換設定
	DefaultQuality     int // WebP品質のデフォルト値（1-100）
	DefaultConcurrency int // 同時実行数のデフォルト値

	// アカウントキャッシュ設定
	AccountRedisURL       string // アカウント情報キャッシュ用Redis URL（空ならメモリキャッシュ）
	AccountRefreshSeconds int    // アカウント情報の再取得間隔（秒）

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		SessionSecret: getEnv("SESSION_SECRET", ""),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		ConvertAPIBase: getEnv("CONVERT_API_BASE", "http://localhost:5000/api"),
		AccountAPIBase: getEnv("ACCOUNT_API_BASE", "http://localhost:5000/api"),

		DefaultQuality:     getEnvAsInt("DEFAULT_QUALITY", 72),
		DefaultConcurrency: getEnvAsInt("DEFAULT_CONCURRENCY", 4),

		AccountRedisURL:       getEnv("ACCOUNT_REDIS_URL", ""),
		AccountRefreshSeconds: getEnvAsInt("ACCOUNT_REFRESH_SECONDS", 60),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では署名鍵は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.ConvertAPIBase == "" {
			return fmt.Errorf("CONVERT_API_BASE is required in release mode")
		}
		if c.AccountAPIBase == "" {
			return fmt.Errorf("ACCOUNT_API_BASE is required in release mode")
		}
	}

	if c.DefaultQuality < 1 || c.DefaultQuality > 100 {
		return fmt.Errorf("DEFAULT_QUALITY must be in range 1-100 (got %d)", c.DefaultQuality)
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
