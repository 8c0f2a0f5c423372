package db

import _ "embed"

// Schema creates the trivia_state table
//
//go:embed schema.sql
var Schema string
