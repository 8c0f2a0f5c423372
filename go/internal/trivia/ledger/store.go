package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mcdev12/trivia/go/internal/trivia/store"
)

// StoreLedger keeps the ledger in the shared key/value store under
// answers.<game>.<player>.<counter> and scores.<game>.<player>.<counter>.
type StoreLedger struct {
	store store.Store
}

// NewStoreLedger creates a ledger on s
func NewStoreLedger(s store.Store) *StoreLedger {
	return &StoreLedger{store: s}
}

func answerKey(gameID, player string, counter int) string {
	return store.JoinKey("answers", gameID, store.KeyPart(player), strconv.Itoa(counter))
}

func scoreKey(gameID, player string, counter int) string {
	return store.JoinKey("scores", gameID, store.KeyPart(player), strconv.Itoa(counter))
}

func (l *StoreLedger) Submit(ctx context.Context, rec Record) (bool, error) {
	key := answerKey(rec.GameID, rec.Player, rec.QuestionCounter)
	if _, err := l.store.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("check existing answer: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal answer: %w", err)
	}
	if err := l.store.Set(ctx, key, data); err != nil {
		return false, fmt.Errorf("write answer: %w", err)
	}
	return true, nil
}

func (l *StoreLedger) Has(ctx context.Context, gameID, player string, questionCounter int) (bool, error) {
	_, err := l.Get(ctx, gameID, player, questionCounter)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (l *StoreLedger) Get(ctx context.Context, gameID, player string, questionCounter int) (Record, error) {
	data, err := l.store.Get(ctx, answerKey(gameID, player, questionCounter))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read answer: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode answer: %w", err)
	}
	return rec, nil
}

func (l *StoreLedger) RecordScore(ctx context.Context, rec ScoreRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	if err := l.store.Set(ctx, scoreKey(rec.GameID, rec.Player, rec.QuestionCounter), data); err != nil {
		return fmt.Errorf("write score: %w", err)
	}
	return nil
}

func (l *StoreLedger) Standings(ctx context.Context, gameID string) ([]Standing, error) {
	prefix := store.JoinKey("scores", gameID) + "."
	keys, err := l.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}

	byPlayer := make(map[string]*Standing)
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, prefix), ".")
		if len(parts) != 2 {
			continue
		}
		data, err := l.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read score %s: %w", key, err)
		}
		var rec ScoreRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode score %s: %w", key, err)
		}

		st, ok := byPlayer[rec.Player]
		if !ok {
			st = &Standing{Player: rec.Player}
			byPlayer[rec.Player] = st
		}
		st.Score += rec.Points
		if rec.Correct {
			st.Correct++
		}
	}

	out := make([]Standing, 0, len(byPlayer))
	for _, st := range byPlayer {
		out = append(out, *st)
	}
	sortStandings(out)
	return out, nil
}
