// source: query.sql

package db

import (
	"context"

	"github.com/sqlc-dev/pqtype"
)

const deleteState = `-- name: DeleteState :execrows
DELETE FROM trivia_state WHERE key = $1
`

func (q *Queries) DeleteState(ctx context.Context, key string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteState, key)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getState = `-- name: GetState :one
SELECT value FROM trivia_state WHERE key = $1
`

func (q *Queries) GetState(ctx context.Context, key string) (pqtype.NullRawMessage, error) {
	row := q.db.QueryRowContext(ctx, getState, key)
	var value pqtype.NullRawMessage
	err := row.Scan(&value)
	return value, err
}

const listStateKeys = `-- name: ListStateKeys :many
SELECT key FROM trivia_state WHERE left(key, length($1::text)) = $1::text ORDER BY key
`

func (q *Queries) ListStateKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listStateKeys, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		items = append(items, key)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const notifyState = `-- name: NotifyState :exec
SELECT pg_notify($1::text, $2::text)
`

type NotifyStateParams struct {
	Channel string
	Payload string
}

func (q *Queries) NotifyState(ctx context.Context, arg NotifyStateParams) error {
	_, err := q.db.ExecContext(ctx, notifyState, arg.Channel, arg.Payload)
	return err
}

const upsertState = `-- name: UpsertState :exec
INSERT INTO trivia_state (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
`

type UpsertStateParams struct {
	Key   string
	Value pqtype.NullRawMessage
}

func (q *Queries) UpsertState(ctx context.Context, arg UpsertStateParams) error {
	_, err := q.db.ExecContext(ctx, upsertState, arg.Key, arg.Value)
	return err
}
