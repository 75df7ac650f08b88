package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubLookup struct {
	rec        *Record
	planActive bool
	err        error
	calls      int
}

func (s *stubLookup) Me(ctx context.Context, token string) (*Record, bool, error) {
	s.calls++
	return s.rec, s.planActive, s.err
}

func TestManagerGetCachesSnapshot(t *testing.T) {
	lookup := &stubLookup{
		rec: &Record{ID: "u1", Email: "a@b.cz", ConversionsUsed: 2},
	}
	m := NewManager(lookup, NewMemoryStore(time.Minute), nil)

	snap, err := m.Get(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.AccountID != "u1" || snap.ConversionsUsed != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := m.Get(context.Background(), "token-1"); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if lookup.calls != 1 {
		t.Fatalf("expected single remote call, got %d", lookup.calls)
	}
}

func TestManagerGetAnonymous(t *testing.T) {
	lookup := &stubLookup{}
	m := NewManager(lookup, NewMemoryStore(time.Minute), nil)

	snap, err := m.Get(context.Background(), "")
	if err != nil || snap != nil {
		t.Fatalf("expected nil snapshot without token, got %+v err=%v", snap, err)
	}
	if lookup.calls != 0 {
		t.Fatalf("expected no remote call, got %d", lookup.calls)
	}
}

func TestManagerInvalidTokenDropsCache(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	if err := store.Put(context.Background(), "tok", &Snapshot{AccountID: "u1"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	m := NewManager(&stubLookup{err: ErrInvalidToken}, store, nil)

	if _, err := m.Refresh(context.Background(), "tok"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	cached, _ := store.Get(context.Background(), "tok")
	if cached != nil {
		t.Fatalf("expected cache dropped, got %+v", cached)
	}
}

func TestManagerWrappedInvalidTokenDropsCache(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	if err := store.Put(context.Background(), "tok", &Snapshot{AccountID: "u1"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	wrapped := fmt.Errorf("me request: %w", ErrInvalidToken)
	m := NewManager(&stubLookup{err: wrapped}, store, nil)

	if _, err := m.Refresh(context.Background(), "tok"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	cached, _ := store.Get(context.Background(), "tok")
	if cached != nil {
		t.Fatalf("expected cache dropped for wrapped error, got %+v", cached)
	}
}

func TestNoteConversionIncrementsUsed(t *testing.T) {
	lookup := &stubLookup{rec: &Record{ID: "u1", ConversionsUsed: 1}}
	store := NewMemoryStore(time.Minute)
	m := NewManager(lookup, store, nil)

	if _, err := m.Get(context.Background(), "tok"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	m.NoteConversion(context.Background(), "tok")

	snap, err := m.Get(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.ConversionsUsed != 2 {
		t.Fatalf("expected optimistic increment, got %d", snap.ConversionsUsed)
	}
}

func TestNoteConversionSkipsUnlimited(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	if err := store.Put(context.Background(), "tok", &Snapshot{AccountID: "u1", Unlimited: true, ConversionsUsed: 5}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	m := NewManager(&stubLookup{}, store, nil)

	m.NoteConversion(context.Background(), "tok")
	snap, _ := store.Get(context.Background(), "tok")
	if snap.ConversionsUsed != 5 {
		t.Fatalf("expected unchanged count for unlimited account, got %d", snap.ConversionsUsed)
	}
}

func TestRefreshOverwritesOptimisticCount(t *testing.T) {
	lookup := &stubLookup{rec: &Record{ID: "u1", ConversionsUsed: 1}}
	store := NewMemoryStore(time.Minute)
	m := NewManager(lookup, store, nil)

	if _, err := m.Get(context.Background(), "tok"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	m.NoteConversion(context.Background(), "tok")

	// 正本側の値で常に置き換えられる
	snap, err := m.Refresh(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if snap.ConversionsUsed != 1 {
		t.Fatalf("expected authoritative value to win, got %d", snap.ConversionsUsed)
	}
}
