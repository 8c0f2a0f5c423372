package player

import (
	"github.com/mcdev12/trivia/go/internal/trivia/state"
)

// Decision is the outcome of offering a snapshot to the acceptance policy
type Decision int

const (
	Rejected Decision = iota
	Accepted
	Malformed
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Malformed:
		return "malformed"
	default:
		return "rejected"
	}
}

// Acceptor decides which incoming snapshots replace the local state.
// Snapshots are ordered by priority first and timestamp second; anything not
// strictly after the watermark is stale. Once more than threshold snapshots
// in a row were rejected the watermark drops to zero so the next snapshot is
// accepted whatever it carries.
type Acceptor struct {
	threshold int
	watermark state.Key
	failed    int
}

// NewAcceptor creates an acceptance policy with the given failure threshold
func NewAcceptor(threshold int) *Acceptor {
	return &Acceptor{threshold: threshold}
}

// Offer applies the policy to s. s must already be valid.
func (a *Acceptor) Offer(s state.Snapshot) Decision {
	if s.Key().After(a.watermark) {
		a.watermark = s.Key()
		a.failed = 0
		return Accepted
	}

	a.failed++
	if a.failed > a.threshold {
		a.watermark = state.Key{}
		a.failed = 0
	}
	return Rejected
}

// Force moves the watermark to s regardless of order. Used when recovery
// adopts display truth.
func (a *Acceptor) Force(s state.Snapshot) {
	a.watermark = s.Key()
	a.failed = 0
}

// Reset forgets the watermark
func (a *Acceptor) Reset() {
	a.watermark = state.Key{}
	a.failed = 0
}

// SetThreshold changes the failure threshold
func (a *Acceptor) SetThreshold(n int) {
	a.threshold = n
}

// Watermark is the key of the last accepted snapshot
func (a *Acceptor) Watermark() state.Key {
	return a.watermark
}

// Failures is the number of rejections since the last acceptance
func (a *Acceptor) Failures() int {
	return a.failed
}
