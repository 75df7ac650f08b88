// Package queue はバッチ変換ジョブの列と状態遷移を管理します。
package queue

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// IsTerminal は done / error のいずれかであるかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Source は変換前ファイルの実体とメタデータを保持します。
// ジョブに取り込まれた後はそのジョブが所有し、ワーカーは読み取りのみ行います。
type Source struct {
	Name        string
	Size        int64
	ContentType string
	Data        []byte
}

// Result は変換済み成果物を保持します。
type Result struct {
	Name string
	Data []byte
}

// Job は投入された1ファイルの変換ライフサイクルを表します。
type Job struct {
	ID           string
	DisplayName  string
	ByteSize     int64
	ContentType  string
	Status       Status
	Source       *Source
	Result       *Result
	ErrorMessage string
	CreatedAt    time.Time
}

// isValidTransition はジョブ状態機械の許可された遷移を判定します。
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusWaiting
	case StatusWaiting:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusDone || to == StatusError
	default:
		// done / error からの自動遷移は存在しない
		return false
	}
}
