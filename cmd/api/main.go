// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/account"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/batch"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/config"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/convert"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/scheduler"
)

// SessionCookieName はセッションクッキーの名前です。
const SessionCookieName = "batch_session"

// SessionMaxAge はセッションクッキーの寿命です。
// これを超えてアクセスのないセッション状態は掃除で破棄されます。
const SessionMaxAge = 7 * 24 * time.Hour

// sweepInterval はセッション掃除の実行間隔です。
const sweepInterval = time.Hour

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(SessionMaxAge / time.Second),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	corsConfig.ExposeHeaders = []string{"Content-Disposition"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "webpify-batch-api",
		"version": "0.1.0",
	})
}

// newSnapshotStore はアカウントスナップショットのキャッシュストアを作成します。
// Redis URL が設定されていればRedisを、無ければメモリキャッシュを使用します。
func newSnapshotStore(cfg *config.Config) account.Store {
	ttl := time.Duration(cfg.AccountRefreshSeconds) * time.Second

	if cfg.AccountRedisURL == "" {
		log.Printf("ACCOUNT_REDIS_URL not set, using in-memory snapshot cache")
		return account.NewMemoryStore(ttl)
	}

	opts, err := redis.ParseURL(cfg.AccountRedisURL)
	if err != nil {
		log.Printf("Invalid ACCOUNT_REDIS_URL, falling back to in-memory cache: %v", err)
		return account.NewMemoryStore(ttl)
	}
	return account.NewRedisStore(redis.NewClient(opts), ttl)
}

// setupRoutes は API グループとバッチ変換周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	accounts := account.NewManager(
		account.NewClient(cfg.AccountAPIBase),
		newSnapshotStore(cfg),
		log.Default(),
	)
	converter := convert.NewClient(cfg.ConvertAPIBase)
	registry := batch.NewRegistry(func() *scheduler.Runner {
		return scheduler.NewRunner(converter, accounts, log.Default())
	})
	go registry.SweepLoop(sweepInterval, SessionMaxAge)

	handler := batch.NewHandler(cfg, registry, accounts, log.Default())
	handler.RegisterRoutes(router.Group("/api"))
}
