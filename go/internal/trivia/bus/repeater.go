package bus

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Repeater re-publishes events a few times over a short window to make up
// for listeners that missed the first delivery. Repeats are grouped by key;
// starting a new series for a key cancels whatever is still pending for it.
type Repeater struct {
	clock clockwork.Clock
	bus   Bus

	mu      sync.Mutex
	gen     uint64
	pending map[string]*series
}

type series struct {
	gen    uint64
	timers []clockwork.Timer
	// fired counts attempts already run; timers due together may run in any order
	fired int
}

// NewRepeater creates a repeater publishing on b
func NewRepeater(clock clockwork.Clock, b Bus) *Repeater {
	return &Repeater{
		clock:   clock,
		bus:     b,
		pending: make(map[string]*series),
	}
}

// PublishWithRedundancy publishes build(0) now and build(i) after i*spacing
// for i in 1..times. build is called once per attempt so callers can stamp
// each repeat. The error of the first publish is returned; repeat failures
// are only logged.
func (r *Repeater) PublishWithRedundancy(ctx context.Context, key string, times int, spacing time.Duration, build func(attempt int) Event) error {
	r.mu.Lock()
	r.stopLocked(key)
	r.gen++
	s := &series{gen: r.gen}
	for i := 1; i <= times; i++ {
		attempt := i
		gen := s.gen
		s.timers = append(s.timers, r.clock.AfterFunc(time.Duration(i)*spacing, func() {
			r.fire(key, gen, attempt, build)
		}))
	}
	if times > 0 {
		r.pending[key] = s
	}
	r.mu.Unlock()

	// Published after the series is registered so a listener that starts a
	// newer series for the same key from inside its handler cancels this one.
	return r.bus.Publish(ctx, build(0))
}

func (r *Repeater) fire(key string, gen uint64, attempt int, build func(int) Event) {
	r.mu.Lock()
	s, ok := r.pending[key]
	if !ok || s.gen != gen {
		r.mu.Unlock()
		return
	}
	s.fired++
	if s.fired == len(s.timers) {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	ev := build(attempt)
	if err := r.bus.Publish(context.Background(), ev); err != nil {
		log.Error().
			Err(err).
			Str("topic", string(ev.Topic())).
			Int("attempt", attempt).
			Msg("redundant publish failed")
	}
}

// Cancel stops the pending repeats for key
func (r *Repeater) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(key)
}

// Pending reports whether repeats are still scheduled for key
func (r *Repeater) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Stop cancels every pending series
func (r *Repeater) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.pending {
		r.stopLocked(key)
	}
}

func (r *Repeater) stopLocked(key string) {
	s, ok := r.pending[key]
	if !ok {
		return
	}
	for _, t := range s.timers {
		t.Stop()
	}
	delete(r.pending, key)
}
