package batch

import (
	"sync"
	"time"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/scheduler"
)

// Session は1つのブラウザセッションに属するキューと実行状態をまとめます。
// キューはセッション限りで、一定期間アクセスがなければ掃除により破棄されます。
type Session struct {
	Queue  *queue.Queue
	Runner *scheduler.Runner

	mu       sync.Mutex
	token    string
	lastSeen time.Time
}

// Token は現在のベアラートークンを返します（未認証なら空）。
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken は資格情報を差し替えます。空文字でログアウト扱いです。
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	s.lastSeen = t
	s.mu.Unlock()
}

func (s *Session) seenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Registry はセッションIDとセッション状態の対応を保持します。
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	newRunner func() *scheduler.Runner
	now       func() time.Time
}

// NewRegistry は Registry を作成します。
func NewRegistry(newRunner func() *scheduler.Runner) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		newRunner: newRunner,
		now:       time.Now,
	}
}

// Get はセッションIDに対応する Session を返します。未知のIDなら新規作成します。
// アクセスのたびに最終アクセス時刻を更新します。
func (r *Registry) Get(sid string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[sid]; ok {
		sess.touch(r.now())
		return sess
	}
	sess := &Session{
		Queue:  queue.New(),
		Runner: r.newRunner(),
	}
	sess.touch(r.now())
	r.sessions[sid] = sess
	return sess
}

// Sweep は maxIdle を超えてアクセスのないセッションを破棄し、破棄した数を返します。
// 実行中のセッションは破棄せず、次回の掃除に持ち越します。
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for sid, sess := range r.sessions {
		if sess.Runner.Active() {
			continue
		}
		if sess.seenAt().After(cutoff) {
			continue
		}
		delete(r.sessions, sid)
		removed++
	}
	return removed
}

// SweepLoop は interval ごとに Sweep を実行し続けます。
// プロセスと同寿命のゴルーチンとして起動します。
func (r *Registry) SweepLoop(interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		r.Sweep(maxIdle)
	}
}

// Len は保持中のセッション数を返します。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
