package ledger

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned by Get when no answer exists for the key
var ErrNotFound = errors.New("answer not found")

// Record is one player's answer to one question of a session
type Record struct {
	Player          string `json:"player"`
	GameID          string `json:"gameId"`
	Answer          string `json:"answer"`
	QuestionIndex   int    `json:"questionIndex"`
	QuestionCounter int    `json:"questionCounter"`
	// TimeLeft is the countdown in seconds when the answer was chosen
	TimeLeft        int    `json:"timeLeft"`
	Timestamp       int64  `json:"timestamp"`
}

// ScoreRecord is the points a player earned on one question
type ScoreRecord struct {
	Player          string `json:"player"`
	GameID          string `json:"gameId"`
	QuestionCounter int    `json:"questionCounter"`
	Points          int    `json:"points"`
	Correct         bool   `json:"correct"`
	Timestamp       int64  `json:"timestamp"`
}

// Standing is a player's summed score for a game
type Standing struct {
	Player  string `json:"player"`
	Score   int    `json:"score"`
	Correct int    `json:"correct"`
}

// Ledger stores answers and score records. At most one answer exists per
// (game, player, questionCounter); re-submitting is a no-op.
type Ledger interface {
	// Submit records rec unless an answer already exists for its key.
	// created is false when the call was a no-op.
	Submit(ctx context.Context, rec Record) (created bool, err error)
	Has(ctx context.Context, gameID, player string, questionCounter int) (bool, error)
	Get(ctx context.Context, gameID, player string, questionCounter int) (Record, error)
	// RecordScore writes or refreshes the score record for one question.
	RecordScore(ctx context.Context, rec ScoreRecord) error
	Standings(ctx context.Context, gameID string) ([]Standing, error)
}

// sortStandings orders by score, then correct answers, then name
func sortStandings(s []Standing) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if s[i].Correct != s[j].Correct {
			return s[i].Correct > s[j].Correct
		}
		return s[i].Player < s[j].Player
	})
}
