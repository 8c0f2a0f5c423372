package state

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a phase change is not in the transition table
var ErrInvalidTransition = errors.New("invalid phase transition")

// Phase represents the current stage of a game session
type Phase uint8

const (
	PhaseUnknown Phase = iota
	PhaseJoin
	PhaseQuestion
	PhaseAnswer
	PhaseIntermission
	PhaseLeaderboard
)

var phaseNames = map[Phase]string{
	PhaseJoin:         "join",
	PhaseQuestion:     "question",
	PhaseAnswer:       "answer",
	PhaseIntermission: "intermission",
	PhaseLeaderboard:  "leaderboard",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether p is one of the five game phases
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// ParsePhase converts a wire name into a Phase
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseUnknown, fmt.Errorf("unknown phase %q", s)
}

// MarshalText encodes the phase by its wire name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a wire name
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// transitions is the only place allowed phase changes are defined.
var transitions = map[Phase][]Phase{
	PhaseJoin:         {PhaseQuestion},
	PhaseQuestion:     {PhaseAnswer},
	PhaseAnswer:       {PhaseQuestion, PhaseIntermission, PhaseLeaderboard},
	PhaseIntermission: {PhaseQuestion},
	PhaseLeaderboard:  {PhaseQuestion},
}

// CanTransition reports whether the state machine allows moving from one phase to another
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both phases when the move is not allowed
func CheckTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
