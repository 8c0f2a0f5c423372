package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
	"github.com/mcdev12/trivia/go/internal/trivia/state"
)

// Topic names a stream of events on the bus
type Topic string

const (
	TopicStateChanged    Topic = "StateChanged"
	TopicSyncRequested   Topic = "SyncRequested"
	TopicAnswerSubmitted Topic = "AnswerSubmitted"
	TopicSettingsChanged Topic = "SettingsChanged"
	TopicStateFixed      Topic = "StateFixed"
)

// Event is one of the typed payloads below
type Event interface {
	Topic() Topic
}

// StateChanged carries a snapshot published by the display
type StateChanged struct {
	Snapshot state.Snapshot `json:"snapshot"`
}

// SyncRequested is a player asking the display to re-publish the current state
type SyncRequested struct {
	ClientID string `json:"client_id"`
	Player   string `json:"player"`
	Reason   string `json:"reason"`
}

// AnswerSubmitted announces a player's answer after it reached the ledger
type AnswerSubmitted struct {
	Player          string `json:"player"`
	GameID          string `json:"game_id"`
	Answer          string `json:"answer"`
	QuestionIndex   int    `json:"question_index"`
	QuestionCounter int    `json:"question_counter"`
	Timestamp       int64  `json:"timestamp"`
}

// SettingsChanged propagates new game settings to every client
type SettingsChanged struct {
	Settings settings.Settings `json:"settings"`
}

// StateFixed is a diagnostic emitted when a client corrected a stuck state
type StateFixed struct {
	ClientID        string      `json:"client_id"`
	Player          string      `json:"player"`
	From            state.Phase `json:"from"`
	To              state.Phase `json:"to"`
	QuestionCounter int         `json:"question_counter"`
	Reason          string      `json:"reason"`
}

func (StateChanged) Topic() Topic    { return TopicStateChanged }
func (SyncRequested) Topic() Topic   { return TopicSyncRequested }
func (AnswerSubmitted) Topic() Topic { return TopicAnswerSubmitted }
func (SettingsChanged) Topic() Topic { return TopicSettingsChanged }
func (StateFixed) Topic() Topic      { return TopicStateFixed }

// Envelope is the wire form of an event on transports that leave the process
type Envelope struct {
	ID        string          `json:"id"`        // Event UUID
	GameID    string          `json:"game_id"`   // Game the event belongs to
	Type      Topic           `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EncodeEnvelope wraps ev for the wire
func EncodeEnvelope(gameID string, ev Event, now time.Time) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Topic(), err)
	}
	return json.Marshal(Envelope{
		ID:        uuid.NewString(),
		GameID:    gameID,
		Type:      ev.Topic(),
		Timestamp: now,
		Data:      data,
	})
}

// ParseEventPayload parses envelope data into the matching event type
func ParseEventPayload(env *Envelope) (Event, error) {
	switch env.Type {
	case TopicStateChanged:
		var ev StateChanged
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case TopicSyncRequested:
		var ev SyncRequested
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case TopicAnswerSubmitted:
		var ev AnswerSubmitted
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case TopicSettingsChanged:
		var ev SettingsChanged
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	case TopicStateFixed:
		var ev StateFixed
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
