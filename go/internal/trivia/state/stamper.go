package state

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// Stamper is the display's logical clock. Every stamp it hands out is
// strictly greater than the previous one, even if the wall clock stalls or
// steps backwards.
type Stamper struct {
	clock clockwork.Clock

	mu   sync.Mutex
	last int64
}

// NewStamper creates a stamper reading milliseconds from the given clock
func NewStamper(clock clockwork.Clock) *Stamper {
	return &Stamper{clock: clock}
}

// Next returns a fresh timestamp in milliseconds since epoch
func (s *Stamper) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

// Reserve claims n+1 consecutive stamps and returns the first one.
// Callers use first+1..first+n for redundant re-publishes of the same state.
func (s *Stamper) Reserve(n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextLocked()
	if n > 0 {
		s.last = first + int64(n)
	}
	return first
}

// Observe moves the watermark forward so that later stamps sort after ts.
// Used when the display restarts and finds an earlier snapshot in the store.
func (s *Stamper) Observe(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.last {
		s.last = ts
	}
}

// Last returns the most recently issued stamp
func (s *Stamper) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Stamper) nextLocked() int64 {
	now := s.clock.Now().UnixMilli()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}
