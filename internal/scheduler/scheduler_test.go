package scheduler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/convert"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
)

// stubConverter は同時実行数の最大値と呼び出し回数を記録します。
type stubConverter struct {
	mu          sync.Mutex
	calls       map[string]int
	current     int32
	peak        int32
	delay       time.Duration
	failWith    map[string]error
	lastToken   string
	lastOptions convert.Options
}

func newStubConverter() *stubConverter {
	return &stubConverter{
		calls:    make(map[string]int),
		failWith: make(map[string]error),
	}
}

func (s *stubConverter) Convert(ctx context.Context, src *queue.Source, opts convert.Options, token string) (*convert.Output, error) {
	cur := atomic.AddInt32(&s.current, 1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	atomic.AddInt32(&s.current, -1)

	s.mu.Lock()
	s.calls[src.Name]++
	s.lastToken = token
	s.lastOptions = opts
	err := s.failWith[src.Name]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &convert.Output{Name: src.Name + ".webp", Data: []byte("webp:" + src.Name)}, nil
}

type countingUsage struct {
	count int32
}

func (u *countingUsage) NoteConversion(ctx context.Context, token string) {
	atomic.AddInt32(&u.count, 1)
}

func fillQueue(t *testing.T, q *queue.Queue, names ...string) {
	t.Helper()
	for i, name := range names {
		if _, ok := q.Add(&queue.Source{Name: name, Size: int64(i + 1), Data: []byte(name)}); !ok {
			t.Fatalf("failed to add %s", name)
		}
	}
}

func TestRunProcessesAllJobsOnce(t *testing.T) {
	q := queue.New()
	fillQueue(t, q, "a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg")

	conv := newStubConverter()
	conv.delay = 5 * time.Millisecond
	usage := &countingUsage{}
	runner := NewRunner(conv, usage, nil)

	err := runner.Run(context.Background(), q, RunOptions{Concurrency: 2, Quality: 72, Token: "tok"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts := q.Counts()
	if counts.Done != 5 || counts.Error != 0 || counts.Unfinished != 0 {
		t.Fatalf("unexpected counts after run: %+v", counts)
	}
	for name, n := range conv.calls {
		if n != 1 {
			t.Fatalf("job %s converted %d times", name, n)
		}
	}
	if peak := atomic.LoadInt32(&conv.peak); peak > 2 {
		t.Fatalf("concurrency limit exceeded: peak=%d", peak)
	}
	if got := atomic.LoadInt32(&usage.count); got != 5 {
		t.Fatalf("expected 5 usage notes, got %d", got)
	}
	if conv.lastToken != "tok" {
		t.Fatalf("token not forwarded: %q", conv.lastToken)
	}
}

func TestRunFailureIsLocalToJob(t *testing.T) {
	q := queue.New()
	fillQueue(t, q, "a.jpg", "b.jpg", "c.jpg")

	conv := newStubConverter()
	conv.failWith["b.jpg"] = &convert.QuotaError{Reason: convert.ReasonFreeLimitReached}
	runner := NewRunner(conv, nil, nil)

	if err := runner.Run(context.Background(), q, RunOptions{Concurrency: 2}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts := q.Counts()
	if counts.Done != 2 || counts.Error != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	for _, job := range q.Jobs() {
		switch job.DisplayName {
		case "b.jpg":
			if job.Status != queue.StatusError || !strings.Contains(job.ErrorMessage, "無料変換枠") {
				t.Fatalf("unexpected failed job state: %+v", job)
			}
		default:
			if job.Status != queue.StatusDone {
				t.Fatalf("sibling job affected by failure: %+v", job)
			}
		}
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	q := queue.New()
	fillQueue(t, q, "a.jpg", "b.jpg")

	conv := newStubConverter()
	conv.delay = 50 * time.Millisecond
	runner := NewRunner(conv, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(context.Background(), q, RunOptions{Concurrency: 1})
	}()

	// 1回目が動き出すのを待つ
	deadline := time.Now().Add(time.Second)
	for !runner.Active() {
		if time.Now().After(deadline) {
			t.Fatal("runner did not become active")
		}
		time.Sleep(time.Millisecond)
	}

	if err := runner.Run(context.Background(), q, RunOptions{Concurrency: 1}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if runner.Active() {
		t.Fatal("runner still active after completion")
	}
}

func TestResetIfIdleRejectsDuringRun(t *testing.T) {
	q := queue.New()
	fillQueue(t, q, "a", "b")

	conv := newStubConverter()
	conv.delay = 100 * time.Millisecond
	r := NewRunner(conv, nil, nil)

	if err := r.Start(context.Background(), q, RunOptions{Concurrency: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.ResetIfIdle(q); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive during run, got %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.Active() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := r.ResetIfIdle(q); err != nil {
		t.Fatalf("idle reset failed: %v", err)
	}
	if counts := q.Counts(); counts.Total != 0 {
		t.Fatalf("expected empty queue after reset, got %+v", counts)
	}
}

func TestRunIgnoresJobsAddedAfterStart(t *testing.T) {
	q := queue.New()
	fillQueue(t, q, "a.jpg")

	conv := newStubConverter()
	conv.delay = 30 * time.Millisecond
	runner := NewRunner(conv, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(context.Background(), q, RunOptions{Concurrency: 4})
	}()

	deadline := time.Now().Add(time.Second)
	for !runner.Active() {
		if time.Now().After(deadline) {
			t.Fatal("runner did not become active")
		}
		time.Sleep(time.Millisecond)
	}
	q.Add(&queue.Source{Name: "late.jpg", Size: 99, Data: []byte("late")})

	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	late := findJob(t, q, "late.jpg")
	if late.Status != queue.StatusPending {
		t.Fatalf("late job must stay pending, got %s", late.Status)
	}
}

func TestRunEmptySnapshot(t *testing.T) {
	runner := NewRunner(newStubConverter(), nil, nil)
	if err := runner.Run(context.Background(), queue.New(), RunOptions{Concurrency: 4}); err != nil {
		t.Fatalf("Run on empty queue failed: %v", err)
	}
}

func TestClampConcurrency(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultConcurrency},
		{-3, DefaultConcurrency},
		{1, 1},
		{12, 12},
		{25, 12},
		{7, 7},
	}
	for _, tt := range tests {
		if got := clampConcurrency(tt.in); got != tt.want {
			t.Errorf("clampConcurrency(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{convert.ErrUnauthenticated, "ログイン"},
		{&convert.QuotaError{Reason: convert.ReasonFreeLimitReached}, "無料変換枠"},
		{&convert.QuotaError{Reason: convert.ReasonMembershipRequired}, "メンバーシップが有効ではありません"},
		{&convert.RemoteError{StatusCode: http.StatusInternalServerError, Message: "boom"}, "status 500"},
		{&convert.RemoteError{StatusCode: http.StatusBadGateway}, "status 502"},
		{errors.New("dial tcp: connection refused"), "変換に失敗しました"},
	}
	for _, tt := range tests {
		if got := ClassifyMessage(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("ClassifyMessage(%v) = %q, want substring %q", tt.err, got, tt.want)
		}
	}
}

func findJob(t *testing.T, q *queue.Queue, name string) *queue.Job {
	t.Helper()
	for _, job := range q.Jobs() {
		if job.DisplayName == name {
			return job
		}
	}
	t.Fatalf("job %s not found", name)
	return nil
}
