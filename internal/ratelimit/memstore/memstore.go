// Package memstore implements the in-memory rate-limit backend: a
// per-process, per-subject fixed-window token bucket, sharded by a mutex per
// subject key as described in spec §5's shared-resource policy, generalized
// from the AIMD limiter's golang.org/x/time/rate usage in
// features/model/middleware/ratelimit.go to the gateway's admit/reject
// window-accounting contract.
package memstore

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nexusgate/gateway/internal/config"
)

const shardCount = 64

type window struct {
	mu    sync.Mutex
	start time.Time
	count int64
}

// Store is an in-memory ratelimit.Store.
type Store struct {
	shards [shardCount]shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// New constructs an in-memory Store.
func New() *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) windowFor(key string) *window {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[key]
	if !ok {
		w = &window{start: s.now()}
		sh.windows[key] = w
	}
	return w
}

// Charge implements ratelimit.Store.
func (s *Store) Charge(_ context.Context, key string, cost, limit int64, interval config.Duration) (bool, error) {
	w := s.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := s.now()
	if interval.Duration > 0 && now.Sub(w.start) >= interval.Duration {
		w.start = now
		w.count = 0
	}
	if w.count+cost > limit {
		return false, nil
	}
	w.count += cost
	return true, nil
}

// Adjust implements ratelimit.Store.
func (s *Store) Adjust(_ context.Context, key string, delta int64, interval config.Duration) error {
	w := s.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := s.now()
	if interval.Duration > 0 && now.Sub(w.start) >= interval.Duration {
		// Window already rolled over; the charge being reconciled belongs to
		// a prior window and has nothing left to adjust.
		w.start = now
		w.count = 0
		return nil
	}
	w.count += delta
	if w.count < 0 {
		w.count = 0
	}
	return nil
}
