package sqlutil

import (
	"encoding/json"

	"github.com/sqlc-dev/pqtype"
)

// ToNullRawMessage wraps a JSON document for a nullable jsonb column.
// An empty document is stored as NULL.
func ToNullRawMessage(val []byte) pqtype.NullRawMessage {
	return pqtype.NullRawMessage{RawMessage: json.RawMessage(val), Valid: len(val) > 0}
}

// FromNullRawMessage returns the raw document or nil for NULL
func FromNullRawMessage(val pqtype.NullRawMessage) []byte {
	if !val.Valid {
		return nil
	}
	return []byte(val.RawMessage)
}
