package license

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// memShardCount is a power of two so shard selection is a cheap mask.
const memShardCount = 32

type memShard struct {
	mu       sync.RWMutex
	licenses map[string]License
}

// MemStore is an in-memory Store sharded by license key. Each shard holds
// its own lock, so bind operations on different keys proceed in parallel
// while BindOrCheck stays a single critical section for any one key.
type MemStore struct {
	shards [memShardCount]*memShard
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	for i := range s.shards {
		s.shards[i] = &memShard{licenses: make(map[string]License)}
	}
	return s
}

func (s *MemStore) shard(key string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()&(memShardCount-1)]
}

// Create inserts a new unassigned license.
func (s *MemStore) Create(ctx context.Context, key string, expiration time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.licenses[key]; ok {
		return ErrAlreadyExists
	}
	sh.licenses[key] = License{Key: key, Expiration: expiration.UTC()}
	return nil
}

// Get returns the license for key.
func (s *MemStore) Get(ctx context.Context, key string) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	lic, ok := sh.licenses[key]
	if !ok {
		return License{}, ErrNotFound
	}
	return lic, nil
}

// Delete removes the license for key, if present.
func (s *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.licenses, key)
	return nil
}

// BindOrCheck atomically claims the license for deviceID or compares the
// stored assignment. The shard lock is held across the read-modify-write so
// at most one concurrent caller ever observes the license as unassigned.
func (s *MemStore) BindOrCheck(ctx context.Context, key, deviceID string) (BindResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	lic, ok := sh.licenses[key]
	if !ok {
		return 0, ErrNotFound
	}
	switch lic.AssignedDevice {
	case "":
		lic.AssignedDevice = deviceID
		sh.licenses[key] = lic
		return Bound, nil
	case deviceID:
		return AlreadyBoundSame, nil
	default:
		return BoundToOther, nil
	}
}

// DeleteExpired purges every license expired at now.
func (s *MemStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for key, lic := range sh.licenses {
			if lic.ExpiredAt(now) {
				delete(sh.licenses, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
