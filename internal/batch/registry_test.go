package batch

import (
	"context"
	"testing"
	"time"

	"github.com/Lakyn80/covertor-webp-lukiora/internal/queue"
	"github.com/Lakyn80/covertor-webp-lukiora/internal/scheduler"
)

func newTestRegistry(conv *testConverter) (*Registry, *time.Time) {
	current := time.Now()
	r := NewRegistry(func() *scheduler.Runner {
		return scheduler.NewRunner(conv, nil, nil)
	})
	r.now = func() time.Time { return current }
	return r, &current
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	r, clock := newTestRegistry(&testConverter{})

	stale := r.Get("stale")
	*clock = clock.Add(8 * 24 * time.Hour)
	fresh := r.Get("fresh")

	if removed := r.Sweep(7 * 24 * time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if r.Get("fresh") != fresh {
		t.Fatalf("fresh session was evicted")
	}
	if r.Get("stale") == stale {
		t.Fatalf("stale session survived the sweep")
	}
}

func TestSweepKeepsRecentlyTouchedSessions(t *testing.T) {
	r, clock := newTestRegistry(&testConverter{})

	r.Get("s1")
	*clock = clock.Add(6 * 24 * time.Hour)
	r.Get("s1") // アクセスで期限が延びる
	*clock = clock.Add(2 * 24 * time.Hour)

	if removed := r.Sweep(7 * 24 * time.Hour); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

func TestSweepSkipsActiveRun(t *testing.T) {
	conv := &testConverter{delay: 150 * time.Millisecond}
	r, clock := newTestRegistry(conv)

	sess := r.Get("running")
	if _, ok := sess.Queue.Add(&queue.Source{Name: "a.png", Size: 1, Data: []byte("a")}); !ok {
		t.Fatalf("failed to add job")
	}
	if err := sess.Runner.Start(context.Background(), sess.Queue, scheduler.RunOptions{Concurrency: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	*clock = clock.Add(8 * 24 * time.Hour)
	if removed := r.Sweep(7 * 24 * time.Hour); removed != 0 {
		t.Fatalf("active session was swept")
	}

	deadline := time.Now().Add(3 * time.Second)
	for sess.Runner.Active() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if removed := r.Sweep(7 * 24 * time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1 after run finished", removed)
	}
}
