// Package account はアカウント／プラン情報の取得とキャッシュを提供します。
// 情報の正本は外部アカウントサービスであり、ここでは参照用スナップショットのみ扱います。
package account

import "time"

// Record は外部アカウントサービスが返すユーザー情報です。
type Record struct {
	ID              string  `json:"id"`
	Email           string  `json:"email"`
	FirstName       string  `json:"first_name,omitempty"`
	LastName        string  `json:"last_name,omitempty"`
	Plan            *string `json:"plan"`
	PlanExpiresAt   *string `json:"plan_expires_at"`
	IsVIP           bool    `json:"is_vip"`
	ConversionsUsed int     `json:"conversions_used"`
}

// Snapshot はクォータ判定に使うアカウント状態のスナップショットです。
type Snapshot struct {
	AccountID       string    `json:"accountId"`
	PlanActive      bool      `json:"planActive"`
	Unlimited       bool      `json:"unlimited"` // VIPによる無制限
	ConversionsUsed int       `json:"conversionsUsed"`
	RefreshedAt     time.Time `json:"refreshedAt"`
}

// IsUnlimited は無制限アカウント（VIPまたは有効プラン）であるかを返します。
func (s *Snapshot) IsUnlimited() bool {
	if s == nil {
		return false
	}
	return s.Unlimited || s.PlanActive
}

func snapshotFromRecord(rec *Record, planActive bool, now time.Time) *Snapshot {
	return &Snapshot{
		AccountID:       rec.ID,
		PlanActive:      planActive,
		Unlimited:       rec.IsVIP,
		ConversionsUsed: rec.ConversionsUsed,
		RefreshedAt:     now,
	}
}
