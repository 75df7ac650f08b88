// Package convert はリモート変換サービスへの境界（変換ポート）を提供します。
// スケジューラはこのポート経由でのみ変換を依頼し、画素処理そのものには関与しません。
package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
)

// QuotaReason はクォータ拒否の理由種別です。
type QuotaReason string

const (
	ReasonFreeLimitReached   QuotaReason = "free_limit_reached"
	ReasonMembershipRequired QuotaReason = "membership_required"
)

// ErrUnauthenticated は未認証の呼び出しが拒否された場合に返されます。
var ErrUnauthenticated = errors.New("unauthenticated")

// QuotaError はサービス側の正式なクォータ判定による拒否を表します。
type QuotaError struct {
	Reason QuotaReason
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exhausted: %s", e.Reason)
}

// RemoteError は変換サービスが返したエラー応答を表します。
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conversion service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("conversion service returned status %d: %s", e.StatusCode, e.Message)
}

// Options は変換パラメータです。
type Options struct {
	Quality  int // WebP品質 1-100
	MaxWidth int // 最大幅（0は縮小なし）
}

// Output は変換済み成果物です。
type Output struct {
	Name string
	Data []byte
}

// Converter は変換ポートを実装します。
// 失敗は ErrUnauthenticated / *QuotaError / *RemoteError、
// もしくは通信失敗を包んだエラーのいずれかです。
type Converter interface {
	Convert(ctx context.Context, src *queue.Source, opts Options, token string) (*Output, error)
}
