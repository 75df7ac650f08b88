// Package quota は無料枠の投入制御（楽観的な入場判定）を提供します。
// 最終的な可否は変換サービス側が呼び出し時に判定するため、ここでの判定は
// あくまで先回りのトリミングです。
package quota

import (
	"github.com/Lakyn80/covertor-webp-lukiora/internal/account"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
)

// FreeLimit は無料アカウントが同時に投入できる件数です。
const FreeLimit = 3

// Admit は候補ファイル列に入場判定を適用します。
// 無制限アカウント（VIPまたは有効プラン）は全件受け付けます。
// それ以外は FreeLimit から未完了件数を引いた残り枠の分だけ、先頭から受け付けます。
// snap が nil の場合は未認証として無料枠を適用します。
func Admit(candidates []*queue.Source, snap *account.Snapshot, unfinished int) (accepted []*queue.Source, rejected int) {
	if len(candidates) == 0 {
		return nil, 0
	}

	if snap.IsUnlimited() {
		return candidates, 0
	}

	capacity := FreeLimit - unfinished
	if capacity < 0 {
		capacity = 0
	}
	if capacity >= len(candidates) {
		return candidates, 0
	}
	return candidates[:capacity], len(candidates) - capacity
}
