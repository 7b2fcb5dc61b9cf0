package telemetry

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		active_model TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		tool_calls TEXT,
		tool_call_id TEXT,
		name TEXT,
		is_error BOOLEAN NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);`,
	`CREATE TABLE IF NOT EXISTS model_calls (
		call_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		decision TEXT,
		tool_names TEXT,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		total_tokens INTEGER,
		error_kind TEXT,
		error TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_model_calls_session ON model_calls(session_id, started_at);`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		call_id TEXT PRIMARY KEY,
		parent_call_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		request_id TEXT,
		tool_name TEXT NOT NULL,
		arguments TEXT,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		error_kind TEXT,
		error TEXT
	);`,
}

// InitDB opens the SQLite database and creates the session and call record
// tables.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// go-sqlite3 connections do not share an in-memory database
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}
