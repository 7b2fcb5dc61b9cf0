package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists sessions in the sessions and messages tables created
// by telemetry.InitDB.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an initialized database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save replaces the stored copy of the session in one transaction
func (st *SQLiteStore) Save(ctx context.Context, s Session) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, created_at, active_model) VALUES (?, ?, ?)",
		s.ID, formatTime(s.CreatedAt), s.ActiveModel,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", s.ID); err != nil {
		return fmt.Errorf("failed to reset messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages
		(session_id, seq, role, content, tool_calls, tool_call_id, name, is_error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range s.Messages {
		var calls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
			calls = sql.NullString{String: string(data), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			s.ID, i, string(msg.Role), msg.Content, calls, msg.ToolCallID, msg.Name, msg.IsError, formatTime(msg.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to save message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load reads a session and its messages in append order
func (st *SQLiteStore) Load(ctx context.Context, id string) (Session, error) {
	var (
		s       = Session{ID: id, Messages: []Message{}}
		created string
	)
	err := st.db.QueryRowContext(ctx, "SELECT created_at, active_model FROM sessions WHERE id = ?", id).
		Scan(&created, &s.ActiveModel)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, notFound(id, nil)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return Session{}, err
	}

	rows, err := st.db.QueryContext(ctx, `SELECT role, content, tool_calls, tool_call_id, name, is_error, timestamp
		FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg   Message
			role  string
			calls sql.NullString
			ts    string
		)
		if err := rows.Scan(&role, &msg.Content, &calls, &msg.ToolCallID, &msg.Name, &msg.IsError, &ts); err != nil {
			return Session{}, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &msg.ToolCalls); err != nil {
				return Session{}, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		if msg.Timestamp, err = parseTime(ts); err != nil {
			return Session{}, err
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("failed to read messages: %w", err)
	}
	return s, nil
}

// List returns saved sessions, newest first
func (st *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT s.id, s.created_at, s.active_model, COUNT(m.id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			created string
		)
		if err := rows.Scan(&sum.ID, &created, &sum.ActiveModel, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if sum.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session and its messages
func (st *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id, nil)
	}
	return tx.Commit()
}

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
