package state

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known shared store keys.
const (
	KeyGameState    = "gameState"
	KeyDisplayTruth = "gameState_display_truth"
)

// ErrMalformedSnapshot is returned when a snapshot cannot be decoded or fails validation
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Flags is the set of priority flags a snapshot can carry.
// Any flag set makes the snapshot Definitive.
type Flags uint8

const (
	FlagDefinitiveTruth Flags = 1 << iota
	FlagGuaranteedDelivery
	FlagForceSync
	FlagOverrideIntermission
	FlagSupercedeAllStates

	FlagsAll = FlagDefinitiveTruth | FlagGuaranteedDelivery | FlagForceSync | FlagOverrideIntermission | FlagSupercedeAllStates
)

// Has reports whether every flag in f2 is set in f
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Priority orders snapshots ahead of timestamps. Definitive always beats Normal.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityDefinitive
)

func (p Priority) String() string {
	if p == PriorityDefinitive {
		return "definitive"
	}
	return "normal"
}

// Key is the total order used by the acceptance policy: priority first, then timestamp.
type Key struct {
	Priority  Priority
	Timestamp int64
}

// After reports whether k sorts strictly after other
func (k Key) After(other Key) bool {
	if k.Priority != other.Priority {
		return k.Priority > other.Priority
	}
	return k.Timestamp > other.Timestamp
}

// Snapshot is the unit of synchronization between the display and its players
type Snapshot struct {
	GameID          string
	Phase           Phase
	QuestionIndex   int
	QuestionCounter int
	TimeLeft        int
	SlideIndex      *int
	Paused          bool
	Timestamp       int64
	Flags           Flags
}

// Priority derives the snapshot's priority class from its flags
func (s Snapshot) Priority() Priority {
	if s.Flags != 0 {
		return PriorityDefinitive
	}
	return PriorityNormal
}

// Key returns the ordering key of the snapshot
func (s Snapshot) Key() Key {
	return Key{Priority: s.Priority(), Timestamp: s.Timestamp}
}

// WithFlags returns a copy of s carrying the given flags in addition to its own
func (s Snapshot) WithFlags(f Flags) Snapshot {
	s.Flags |= f
	return s
}

// Slide returns the current slide index, or -1 when none is set
func (s Snapshot) Slide() int {
	if s.SlideIndex == nil {
		return -1
	}
	return *s.SlideIndex
}

// SameContent reports whether two snapshots describe the same game position,
// ignoring timestamps and flags.
func (s Snapshot) SameContent(o Snapshot) bool {
	return s.GameID == o.GameID &&
		s.Phase == o.Phase &&
		s.QuestionIndex == o.QuestionIndex &&
		s.QuestionCounter == o.QuestionCounter &&
		s.TimeLeft == o.TimeLeft &&
		s.Slide() == o.Slide() &&
		s.Paused == o.Paused
}

// Validate checks the data model invariants of a snapshot
func (s Snapshot) Validate() error {
	switch {
	case !s.Phase.Valid():
		return fmt.Errorf("%w: phase %d", ErrMalformedSnapshot, s.Phase)
	case s.QuestionIndex < 0:
		return fmt.Errorf("%w: negative question index %d", ErrMalformedSnapshot, s.QuestionIndex)
	case s.QuestionCounter < 1:
		return fmt.Errorf("%w: question counter %d below 1", ErrMalformedSnapshot, s.QuestionCounter)
	case s.TimeLeft < 0:
		return fmt.Errorf("%w: negative time left %d", ErrMalformedSnapshot, s.TimeLeft)
	case s.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrMalformedSnapshot)
	case s.SlideIndex != nil && *s.SlideIndex < 0:
		return fmt.Errorf("%w: negative slide index %d", ErrMalformedSnapshot, *s.SlideIndex)
	}
	return nil
}

// wireSnapshot is the JSON shape shared with browser screens.
type wireSnapshot struct {
	GameID               string `json:"gameId,omitempty"`
	Phase                string `json:"phase"`
	QuestionIndex        int    `json:"questionIndex"`
	QuestionCounter      int    `json:"questionCounter"`
	TimeLeft             int    `json:"timeLeft"`
	SlideIndex           *int   `json:"slideIndex,omitempty"`
	Paused               bool   `json:"isPaused"`
	Timestamp            int64  `json:"timestamp"`
	DefinitiveTruth      bool   `json:"definitiveTruth,omitempty"`
	GuaranteedDelivery   bool   `json:"guaranteedDelivery,omitempty"`
	ForceSync            bool   `json:"forceSync,omitempty"`
	OverrideIntermission bool   `json:"overrideIntermission,omitempty"`
	SupercedeAllStates   bool   `json:"supercedeAllStates,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSnapshot{
		GameID:               s.GameID,
		Phase:                s.Phase.String(),
		QuestionIndex:        s.QuestionIndex,
		QuestionCounter:      s.QuestionCounter,
		TimeLeft:             s.TimeLeft,
		SlideIndex:           s.SlideIndex,
		Paused:               s.Paused,
		Timestamp:            s.Timestamp,
		DefinitiveTruth:      s.Flags.Has(FlagDefinitiveTruth),
		GuaranteedDelivery:   s.Flags.Has(FlagGuaranteedDelivery),
		ForceSync:            s.Flags.Has(FlagForceSync),
		OverrideIntermission: s.Flags.Has(FlagOverrideIntermission),
		SupercedeAllStates:   s.Flags.Has(FlagSupercedeAllStates),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	// the empty snapshot round-trips; Validate still rejects it
	phase := PhaseUnknown
	if w.Phase != PhaseUnknown.String() {
		p, err := ParsePhase(w.Phase)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		phase = p
	}

	var flags Flags
	if w.DefinitiveTruth {
		flags |= FlagDefinitiveTruth
	}
	if w.GuaranteedDelivery {
		flags |= FlagGuaranteedDelivery
	}
	if w.ForceSync {
		flags |= FlagForceSync
	}
	if w.OverrideIntermission {
		flags |= FlagOverrideIntermission
	}
	if w.SupercedeAllStates {
		flags |= FlagSupercedeAllStates
	}

	*s = Snapshot{
		GameID:          w.GameID,
		Phase:           phase,
		QuestionIndex:   w.QuestionIndex,
		QuestionCounter: w.QuestionCounter,
		TimeLeft:        w.TimeLeft,
		SlideIndex:      w.SlideIndex,
		Paused:          w.Paused,
		Timestamp:       w.Timestamp,
		Flags:           flags,
	}
	return nil
}

// Decode parses and validates a stored or broadcast snapshot
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		if errors.Is(err, ErrMalformedSnapshot) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Encode serializes a complete snapshot. Writers never store partial snapshots.
func Encode(s Snapshot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// IntPtr is a small helper for optional slide indexes.
func IntPtr(i int) *int {
	return &i
}
