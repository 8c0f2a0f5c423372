package ledger

import _ "embed"

// Schema creates the trivia_answers and trivia_scores tables
//
//go:embed schema.sql
var Schema string
