package signal

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/csfet9/hindsight/internal/model"
)

// slot is one bank's bounded concurrency gate, plus the last time it was
// touched so idle banks can be evicted.
type slot struct {
	weighted   *semaphore.Weighted
	lastAccess time.Time
}

// bankSemaphore bounds the number of in-flight ApplySignal calls per bank
// using one golang.org/x/sync/semaphore.Weighted per key. Shaped after a
// per-key token-bucket limiter: one entry per key, a background goroutine
// evicting entries idle longer than staleThreshold.
type bankSemaphore struct {
	limit int64

	mu    sync.Mutex
	slots map[string]*slot

	stopOnce sync.Once
	done     chan struct{}
}

const staleThreshold = 10 * time.Minute

func newBankSemaphore(limit int) *bankSemaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &bankSemaphore{
		limit: int64(limit),
		slots: make(map[string]*slot),
		done:  make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// acquire reserves one concurrency slot for bankID. It returns immediately:
// model.ErrBusy if the bank is already at its concurrency limit, or a
// release func to call when the caller's work is done.
func (s *bankSemaphore) acquire(bankID string) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[bankID]
	if !ok {
		sl = &slot{weighted: semaphore.NewWeighted(s.limit)}
		s.slots[bankID] = sl
	}
	sl.lastAccess = time.Now()
	s.mu.Unlock()

	if !sl.weighted.TryAcquire(1) {
		return nil, model.ErrBusy
	}
	return func() { sl.weighted.Release(1) }, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (s *bankSemaphore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *bankSemaphore) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *bankSemaphore) evictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for bankID, sl := range s.slots {
		if sl.lastAccess.Before(cutoff) && sl.weighted.TryAcquire(s.limit) {
			sl.weighted.Release(s.limit)
			delete(s.slots, bankID)
		}
	}
}
