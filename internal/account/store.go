package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "account:"

// Store はトークンに対応するスナップショットのキャッシュです。
type Store interface {
	Get(ctx context.Context, token string) (*Snapshot, error)
	Put(ctx context.Context, token string, snap *Snapshot) error
	Delete(ctx context.Context, token string) error
}

// RedisStore はスナップショットを Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はキャッシュ済みスナップショットを取得します。存在しない場合は nil を返します。
func (s *RedisStore) Get(ctx context.Context, token string) (*Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Put はスナップショットを TTL 付きで保存します。
func (s *RedisStore) Put(ctx context.Context, token string, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, snapshotKey(token), payload, s.ttl).Err()
}

// Delete はキャッシュを破棄します。
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, snapshotKey(token)).Err()
}

// MemoryStore は Redis 未設定時に使うプロセス内キャッシュです。
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get はキャッシュ済みスナップショットを取得します。期限切れは存在しない扱いです。
func (s *MemoryStore) Get(ctx context.Context, token string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[snapshotKey(token)]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, snapshotKey(token))
		return nil, nil
	}
	snap := entry.snap
	return &snap, nil
}

// Put はスナップショットを保存します。
func (s *MemoryStore) Put(ctx context.Context, token string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[snapshotKey(token)] = memoryEntry{
		snap:      *snap,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Delete はキャッシュを破棄します。
func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, snapshotKey(token))
	return nil
}

// snapshotKey はトークンそのものをキーに載せないためハッシュ化します。
func snapshotKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return snapshotKeyPrefix + hex.EncodeToString(sum[:16])
}
