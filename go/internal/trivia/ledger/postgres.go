package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the ledger uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresLedger stores answers and scores in the trivia_answers and
// trivia_scores tables.
type PostgresLedger struct {
	db DB
}

// NewPostgresLedger creates a ledger on a pgx pool
func NewPostgresLedger(db DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Submit(ctx context.Context, rec Record) (bool, error) {
	tag, err := l.db.Exec(ctx, `
        INSERT INTO trivia_answers (
          game_id, player, question_counter, question_index, answer, time_left, submitted_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (game_id, player, question_counter) DO NOTHING
    `, rec.GameID, rec.Player, rec.QuestionCounter, rec.QuestionIndex, rec.Answer, rec.TimeLeft, rec.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert answer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) Has(ctx context.Context, gameID, player string, questionCounter int) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx, `
        SELECT EXISTS (
          SELECT 1 FROM trivia_answers
          WHERE game_id = $1 AND player = $2 AND question_counter = $3
        )
    `, gameID, player, questionCounter).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check answer: %w", err)
	}
	return exists, nil
}

func (l *PostgresLedger) Get(ctx context.Context, gameID, player string, questionCounter int) (Record, error) {
	rec := Record{GameID: gameID, Player: player, QuestionCounter: questionCounter}
	err := l.db.QueryRow(ctx, `
        SELECT question_index, answer, time_left, submitted_at FROM trivia_answers
        WHERE game_id = $1 AND player = $2 AND question_counter = $3
    `, gameID, player, questionCounter).Scan(&rec.QuestionIndex, &rec.Answer, &rec.TimeLeft, &rec.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read answer: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) RecordScore(ctx context.Context, rec ScoreRecord) error {
	_, err := l.db.Exec(ctx, `
        INSERT INTO trivia_scores (
          game_id, player, question_counter, points, correct, scored_at
        ) VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (game_id, player, question_counter)
        DO UPDATE SET points = EXCLUDED.points, correct = EXCLUDED.correct, scored_at = EXCLUDED.scored_at
    `, rec.GameID, rec.Player, rec.QuestionCounter, rec.Points, rec.Correct, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Standings(ctx context.Context, gameID string) ([]Standing, error) {
	rows, err := l.db.Query(ctx, `
        SELECT player, COALESCE(SUM(points), 0), COUNT(*) FILTER (WHERE correct)
        FROM trivia_scores
        WHERE game_id = $1
        GROUP BY player
    `, gameID)
	if err != nil {
		return nil, fmt.Errorf("query standings: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Standing, error) {
		var s Standing
		var score, correct int64
		if err := row.Scan(&s.Player, &score, &correct); err != nil {
			return Standing{}, err
		}
		s.Score, s.Correct = int(score), int(correct)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan standings: %w", err)
	}
	sortStandings(out)
	return out, nil
}
