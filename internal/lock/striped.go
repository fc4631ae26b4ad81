// Package lock provides per-key serialization for the orchestrator's
// single-node deployment. Every transition for a given tx_id must be
// serialized against concurrent invocations on the same process (the
// inbound Lightning subscription and the M-Pesa webhook can both try to
// advance the same transaction at once); cross-node races are additionally
// guarded by the transaction's optimistic version (see
// internal/database.Transition). Built on sync.Mutex, not a third-party
// library: no example in the corpus reaches for a distributed-lock package
// for single-process, in-memory striping, and sync.Mutex is the correct
// idiomatic tool for this job.
package lock

import (
	"hash/fnv"
	"sync"
)

// Striped is a fixed-size array of mutexes, one of which is selected by
// hashing the key. Two different keys may occasionally collide on the same
// stripe; that only costs throughput, never correctness.
type Striped struct {
	mus []sync.Mutex
}

// NewStriped creates a Striped lock with n stripes. n should be a power of
// two comfortably larger than the expected number of concurrently active
// transactions.
func NewStriped(n int) *Striped {
	if n <= 0 {
		n = 256
	}
	return &Striped{mus: make([]sync.Mutex, n)}
}

func (s *Striped) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.mus[h.Sum32()%uint32(len(s.mus))]
}

// Lock acquires the stripe for key.
func (s *Striped) Lock(key string) {
	s.stripe(key).Lock()
}

// Unlock releases the stripe for key.
func (s *Striped) Unlock(key string) {
	s.stripe(key).Unlock()
}

// WithLock runs fn while holding the stripe for key.
func (s *Striped) WithLock(key string, fn func()) {
	s.Lock(key)
	defer s.Unlock(key)
	fn()
}
