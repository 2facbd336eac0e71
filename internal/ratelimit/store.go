// Package ratelimit implements the login brute-force guard and the general API
// limiter on top of a pluggable counter Store.
//
// MemoryStore keeps counters in process memory only. Every replica of the service
// enforces its own limits, so a horizontally scaled deployment admits up to
// replicas*threshold attempts per window unless a shared Store is plugged in.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Policy describes one limiter purpose.
type Policy struct {
	Window    time.Duration
	Threshold int
	// Block is how long a key stays rejected once Threshold is reached. Zero means
	// the key is only rejected until the current window ends.
	Block time.Duration
}

// Counter is a snapshot of one (purpose, key) counter.
type Counter struct {
	Key             string
	Consumed        int
	WindowStartedAt time.Time
	BlockedUntil    time.Time
	// InFlight counts admitted attempts that have not been settled yet.
	InFlight int
}

func (c Counter) windowEnd(p Policy) time.Time {
	return c.WindowStartedAt.Add(p.Window)
}

// ResetAt is when the counter stops counting against the key.
func (c Counter) ResetAt(p Policy) time.Time {
	end := c.windowEnd(p)
	if c.BlockedUntil.After(end) {
		return c.BlockedUntil
	}
	return end
}

func (c Counter) expired(p Policy, now time.Time) bool {
	return !now.Before(c.windowEnd(p)) && !now.Before(c.BlockedUntil)
}

// Store holds counters. Implementations must make Consume, Reserve and Settle
// atomic per key.
type Store interface {
	Consume(ctx context.Context, key string, p Policy, now time.Time) (Counter, error)
	// Reserve takes one in-flight slot unless the key is blocked or
	// Consumed+InFlight has reached the threshold. It reports whether the slot
	// was taken.
	Reserve(ctx context.Context, key string, p Policy, now time.Time) (Counter, bool, error)
	// Settle gives back one in-flight slot and, when consume is set, records it
	// as a consumed event.
	Settle(ctx context.Context, key string, p Policy, now time.Time, consume bool) (Counter, error)
	Peek(ctx context.Context, key string, p Policy, now time.Time) (Counter, error)
	Reset(ctx context.Context, key string) error
}

const (
	defaultShards     = 32
	gcThreshold       = 1024
	idleEntryLifetime = 2 * time.Hour
)

type entry struct {
	counter  Counter
	policy   Policy
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is a key-sharded in-process Store.
type MemoryStore struct {
	shards []*shard
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = defaultShards
	}

	s := &MemoryStore{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: map[string]*entry{}}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) Consume(ctx context.Context, key string, p Policy, now time.Time) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.currentLocked(key, p, now)
	e.consume(p, now)

	sh.gcLocked(now)
	return e.counter, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, key string, p Policy, now time.Time) (Counter, bool, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, false, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.currentLocked(key, p, now)
	e.lastSeen = now
	if now.Before(e.counter.BlockedUntil) || e.counter.Consumed+e.counter.InFlight >= p.Threshold {
		return e.counter, false, nil
	}
	e.counter.InFlight++

	sh.gcLocked(now)
	return e.counter, true, nil
}

func (s *MemoryStore) Settle(ctx context.Context, key string, p Policy, now time.Time, consume bool) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.currentLocked(key, p, now)
	if e.counter.InFlight > 0 {
		e.counter.InFlight--
	}
	if consume {
		e.consume(p, now)
	}
	return e.counter, nil
}

// currentLocked returns the live entry for key, starting a new window when the
// old one has expired. In-flight slots do not carry over, so a slot that was
// never settled stops counting once its window ends.
func (sh *shard) currentLocked(key string, p Policy, now time.Time) *entry {
	e, ok := sh.entries[key]
	if !ok || e.counter.expired(p, now) {
		e = &entry{counter: Counter{Key: key, WindowStartedAt: now}}
		sh.entries[key] = e
	}
	e.policy = p
	return e
}

func (e *entry) consume(p Policy, now time.Time) {
	e.counter.Consumed++
	e.lastSeen = now
	if p.Block > 0 && e.counter.Consumed >= p.Threshold && !now.Before(e.counter.BlockedUntil) {
		e.counter.BlockedUntil = now.Add(p.Block)
	}
}

func (s *MemoryStore) Peek(ctx context.Context, key string, p Policy, now time.Time) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.counter.expired(p, now) {
		return Counter{Key: key, WindowStartedAt: now}, nil
	}
	return e.counter, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

// Sweep drops counters that no longer affect admission. It returns the number removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.counter.expired(e.policy, now) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (sh *shard) gcLocked(now time.Time) {
	if len(sh.entries) < gcThreshold {
		return
	}

	cutoff := now.Add(-idleEntryLifetime)
	for key, e := range sh.entries {
		if e.counter.expired(e.policy, now) || (e.lastSeen.Before(cutoff) && !now.Before(e.counter.BlockedUntil)) {
			delete(sh.entries, key)
		}
	}
}
