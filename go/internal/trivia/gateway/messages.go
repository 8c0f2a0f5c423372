package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/trivia/go/internal/trivia/settings"
)

// MessageType is the type of a message sent to a screen
type MessageType string

const (
	MessageState     MessageType = "state"
	MessageView      MessageType = "view"
	MessageSettings  MessageType = "settings"
	MessageStandings MessageType = "standings"
	MessageError     MessageType = "error"
)

// Message is the envelope for everything sent to a screen
type Message struct {
	ID        string          `json:"id"`
	GameID    string          `json:"game_id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewMessage marshals payload into a message envelope
func NewMessage(gameID string, typ MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Message{
		ID:        uuid.New().String(),
		GameID:    gameID,
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

func errorMessage(gameID string, err error) *Message {
	msg, _ := NewMessage(gameID, MessageError, map[string]string{"error": err.Error()})
	return msg
}

// ActionType is a command sent by a screen
type ActionType string

const (
	ActionStart       ActionType = "start"
	ActionAdvance     ActionType = "advance"
	ActionForceAnswer ActionType = "force_answer"
	ActionPause       ActionType = "pause"
	ActionResume      ActionType = "resume"
	ActionReset       ActionType = "reset"
	ActionSettings    ActionType = "settings"

	ActionSelectAnswer   ActionType = "select_answer"
	ActionForceSync      ActionType = "force_sync"
	ActionEmergencyReset ActionType = "emergency_reset"
)

// Action is a command received from a screen
type Action struct {
	Type     ActionType         `json:"type"`
	Answer   string             `json:"answer,omitempty"`
	Settings *settings.Settings `json:"settings,omitempty"`
}

// ParseAction decodes a client frame
func ParseAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	if a.Type == "" {
		return Action{}, errors.New("action type is required")
	}
	return a, nil
}
