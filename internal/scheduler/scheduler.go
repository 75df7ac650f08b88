// Package scheduler は待機中ジョブに対して固定数のワーカーを走らせます。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/convert"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
)

const (
	// MinConcurrency / MaxConcurrency は同時実行数の許容範囲です。
	MinConcurrency = 1
	MaxConcurrency = 12

	// DefaultConcurrency は指定なし（0以下）の場合に使う同時実行数です。
	DefaultConcurrency = 4
)

// ErrRunActive は前回の実行が終わる前に再実行が要求された場合に返されます。
var ErrRunActive = errors.New("run already active")

// UsageRecorder は変換成功1件を楽観カウントへ反映するために実装されます。
type UsageRecorder interface {
	NoteConversion(ctx context.Context, token string)
}

// RunOptions は1回の実行のパラメータです。
type RunOptions struct {
	Concurrency int
	Quality     int
	MaxWidth    int
	Token       string
}

// Runner は1つのキューに対する実行を直列化するスケジューラです。
// 同時にアクティブな実行は最大1つです。
type Runner struct {
	converter convert.Converter
	usage     UsageRecorder
	logger    *log.Logger

	mu     sync.Mutex
	active bool
}

// NewRunner は Runner を作成します。usage は nil でも構いません。
func NewRunner(converter convert.Converter, usage UsageRecorder, logger *log.Logger) *Runner {
	return &Runner{
		converter: converter,
		usage:     usage,
		logger:    logger,
	}
}

// Active は実行中かどうかを返します。
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Run は pending を waiting へ昇格させ、そのスナップショットが尽きるまで
// min(concurrency, スナップショット長) 個のワーカーで変換を実行します。
// 全ジョブが終端状態に達するまでブロックし、それが完了の合図となります。
// 実行開始後に追加されたジョブはこの実行では処理されません。
func (r *Runner) Run(ctx context.Context, q *queue.Queue, opts RunOptions) error {
	if err := r.begin(); err != nil {
		return err
	}
	defer r.end()
	return r.run(ctx, q, opts)
}

// Start は実行ガードを同期的に獲得してからバックグラウンドで Run 相当を開始します。
// 進捗と完了はキューの件数をポーリングして観測します。
func (r *Runner) Start(ctx context.Context, q *queue.Queue, opts RunOptions) error {
	if err := r.begin(); err != nil {
		return err
	}
	go func() {
		defer r.end()
		if err := r.run(ctx, q, opts); err != nil && r.logger != nil {
			r.logger.Printf("run finished with error: %v", err)
		}
	}()
	return nil
}

// ResetIfIdle は実行中でなければキューを初期化します。
// ガードを保持したまま初期化するため、並行する実行開始と交錯しません。
func (r *Runner) ResetIfIdle(q *queue.Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRunActive
	}
	q.Reset()
	return nil
}

func (r *Runner) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrRunActive
	}
	r.active = true
	return nil
}

func (r *Runner) end() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, q *queue.Queue, opts RunOptions) error {
	snapshot := q.MarkWaiting()
	if len(snapshot) == 0 {
		return nil
	}

	limit := clampConcurrency(opts.Concurrency)
	workers := limit
	if len(snapshot) < workers {
		workers = len(snapshot)
	}

	convOpts := convert.Options{
		Quality:  opts.Quality,
		MaxWidth: opts.MaxWidth,
	}

	// 共有カーソル。各ワーカーが排他的にインデックスを確保する。
	var cursor int64 = -1

	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for {
				idx := atomic.AddInt64(&cursor, 1)
				if idx >= int64(len(snapshot)) {
					return nil
				}
				r.processOne(ctx, q, snapshot[idx], convOpts, opts.Token)
			}
		})
	}
	return eg.Wait()
}

// processOne は1ジョブの claim → 変換 → 終端遷移を行います。
// 失敗はそのジョブの error 遷移に閉じ、他のワーカーには影響しません。
func (r *Runner) processOne(ctx context.Context, q *queue.Queue, id string, opts convert.Options, token string) {
	src, err := q.Claim(id)
	if err != nil {
		// 実行中のユーザー操作とは競合しない設計だが、万一に備えてログだけ残す
		if r.logger != nil {
			r.logger.Printf("claim skipped job=%s: %v", id, err)
		}
		return
	}

	out, err := r.converter.Convert(ctx, src, opts, token)
	if err != nil {
		if failErr := q.Fail(id, ClassifyMessage(err)); failErr != nil && r.logger != nil {
			r.logger.Printf("failed to mark job error job=%s: %v", id, failErr)
		}
		return
	}

	if finishErr := q.Finish(id, &queue.Result{Name: out.Name, Data: out.Data}); finishErr != nil {
		if r.logger != nil {
			r.logger.Printf("failed to mark job done job=%s: %v", id, finishErr)
		}
		return
	}
	if r.usage != nil {
		r.usage.NoteConversion(ctx, token)
	}
}

// ClassifyMessage は変換ポートの失敗をジョブ向けのメッセージへ分類します。
func ClassifyMessage(err error) string {
	var quotaErr *convert.QuotaError
	var remoteErr *convert.RemoteError

	switch {
	case errors.Is(err, convert.ErrUnauthenticated):
		return "ログインすると変換できます（無料3枚、その後は任意のメンバーシップ）。"
	case errors.As(err, &quotaErr):
		if quotaErr.Reason == convert.ReasonFreeLimitReached {
			return "無料変換枠を使い切りました。メンバーシップを有効化すると無制限になります。"
		}
		return "メンバーシップが有効ではありません。アクセスを有効化してください。"
	case errors.As(err, &remoteErr):
		if remoteErr.Message == "" {
			return fmt.Sprintf("変換サービスがエラーを返しました (status %d)。", remoteErr.StatusCode)
		}
		return fmt.Sprintf("変換サービスがエラーを返しました (status %d): %s", remoteErr.StatusCode, remoteErr.Message)
	default:
		return fmt.Sprintf("変換に失敗しました: %v", err)
	}
}

func clampConcurrency(c int) int {
	if c <= 0 {
		return DefaultConcurrency
	}
	if c < MinConcurrency {
		return MinConcurrency
	}
	if c > MaxConcurrency {
		return MaxConcurrency
	}
	return c
}
