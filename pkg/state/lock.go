package state

import (
	"context"
	"hash/fnv"
	"sync"
)

const lockShards = 64

// Locker is a mutex keyed by source identifier.
type Locker interface {
	Lock(ctx context.Context, key string) error
	Unlock(key string)
}

// LockTable is an in-process Locker. Keys are spread over shards so unrelated
// identifiers never contend on the same mutex.
type LockTable struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLockTable() *LockTable {
	t := &LockTable{}
	for i := range t.shards {
		t.shards[i].held = make(map[string]chan struct{})
	}
	return t
}

func (t *LockTable) shard(key string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%lockShards]
}

// Lock blocks until key is free or ctx is done.
func (t *LockTable) Lock(ctx context.Context, key string) error {
	s := t.shard(key)
	for {
		s.mu.Lock()
		released, held := s.held[key]
		if !held {
			s.held[key] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock releases key and wakes its waiters. Unlocking a free key is a no-op.
func (t *LockTable) Unlock(key string) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if released, ok := s.held[key]; ok {
		delete(s.held, key)
		close(released)
	}
}

// Held returns the number of keys currently locked.
func (t *LockTable) Held() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.held)
		s.mu.Unlock()
	}
	return n
}
