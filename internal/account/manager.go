package account

import (
	"context"
	"errors"
	"log"
	"time"
)

// Lookup は /me 呼び出しを行うクライアントが実装します。
type Lookup interface {
	Me(ctx context.Context, token string) (*Record, bool, error)
}

// Manager はスナップショットの取得・更新ライフサイクルを管理します。
// キャッシュの TTL が定期再取得の間隔を兼ねます。期限内はキャッシュを返し、
// 期限切れまたは明示的な Refresh でアカウントサービスへ問い合わせます。
type Manager struct {
	client Lookup
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// NewManager は Manager を作成します。
func NewManager(client Lookup, store Store, logger *log.Logger) *Manager {
	return &Manager{
		client: client,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Get はトークンに対応するスナップショットを返します。
// キャッシュが生きていればそれを、なければ認証サービスから取得して保存します。
// 資格情報が無効な場合は ErrInvalidToken を返し、キャッシュも破棄します。
func (m *Manager) Get(ctx context.Context, token string) (*Snapshot, error) {
	if token == "" {
		return nil, nil
	}

	cached, err := m.store.Get(ctx, token)
	if err != nil {
		// キャッシュ障害は取得にフォールバック
		if m.logger != nil {
			m.logger.Printf("account cache read failed: %v", err)
		}
	} else if cached != nil {
		return cached, nil
	}

	return m.Refresh(ctx, token)
}

// Refresh はキャッシュを無視して認証サービスから取得し直します。
// 進行中の取得結果をマージすることはなく、常に最新の応答で置き換えます。
func (m *Manager) Refresh(ctx context.Context, token string) (*Snapshot, error) {
	rec, planActive, err := m.client.Me(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			_ = m.store.Delete(ctx, token)
		}
		return nil, err
	}

	snap := snapshotFromRecord(rec, planActive, m.now())
	if putErr := m.store.Put(ctx, token, snap); putErr != nil && m.logger != nil {
		m.logger.Printf("account cache write failed: %v", putErr)
	}
	return snap, nil
}

// NoteConversion は変換成功1件分を楽観的にキャッシュへ反映します。
// 無制限アカウントでは何もしません。次回の Refresh の結果が常に優先されます。
func (m *Manager) NoteConversion(ctx context.Context, token string) {
	if token == "" {
		return
	}
	snap, err := m.store.Get(ctx, token)
	if err != nil || snap == nil || snap.IsUnlimited() {
		return
	}
	snap.ConversionsUsed++
	if putErr := m.store.Put(ctx, token, snap); putErr != nil && m.logger != nil {
		m.logger.Printf("account cache write failed: %v", putErr)
	}
}

// Forget はトークンに紐づくキャッシュを破棄します（ログアウト／無効化時）。
func (m *Manager) Forget(ctx context.Context, token string) {
	if token == "" {
		return
	}
	_ = m.store.Delete(ctx, token)
}
