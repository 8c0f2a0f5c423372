package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often checks run when no interval is configured
const DefaultInterval = 2 * time.Second

// Checker is one self-healing routine. Check detects a stuck or impossible
// state and corrects it; an error means the check itself could not run.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to a Checker
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// Func names fn as a Checker
func Func(name string, fn func(ctx context.Context) error) CheckFunc {
	return CheckFunc{name: name, fn: fn}
}

func (c CheckFunc) Name() string { return c.name }

func (c CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// Stats summarises what a loop has done so far
type Stats struct {
	Runs      uint64
	Failures  uint64
	LastRun   time.Time
	LastError string
}

// Loop runs its checkers on a fixed period until the context is done.
// A failing checker is logged and retried on the next tick; it never stops
// the loop or the other checkers.
type Loop struct {
	clock    clockwork.Clock
	interval time.Duration
	checkers []Checker

	mu    sync.Mutex
	stats Stats
}

// NewLoop creates a loop running checkers every interval
func NewLoop(clock clockwork.Clock, interval time.Duration, checkers ...Checker) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		clock:    clock,
		interval: interval,
		checkers: checkers,
	}
}

// Run blocks until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Int("checkers", len(l.checkers)).Msg("recovery loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("recovery loop stopped")
			return nil
		case <-ticker.Chan():
			l.RunOnce(ctx)
		}
	}
}

// RunOnce runs every checker a single time
func (l *Loop) RunOnce(ctx context.Context) {
	for _, c := range l.checkers {
		if ctx.Err() != nil {
			return
		}
		err := l.check(ctx, c)

		l.mu.Lock()
		l.stats.Runs++
		l.stats.LastRun = l.clock.Now()
		if err != nil {
			l.stats.Failures++
			l.stats.LastError = c.Name() + ": " + err.Error()
		}
		l.mu.Unlock()

		if err != nil {
			log.Error().Err(err).Str("check", c.Name()).Msg("recovery check failed")
		}
	}
}

// check isolates the loop from a panicking checker
func (l *Loop) check(ctx context.Context, c Checker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("check", c.Name()).Msg("recovery check panicked")
			err = errPanicked
		}
	}()
	return c.Check(ctx)
}

// Stats returns a copy of the loop counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
