package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Transcript is one saved session transcript.
type Transcript struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// created_at is written by the store so rows inserted within the same second
// still order correctly.
const createdAtLayout = "2006-01-02 15:04:05.000000"

// Insert saves content as a transcript not tied to any session.
func (s *Store) Insert(ctx context.Context, content string) (int64, error) {
	return s.InsertSession(ctx, "", content)
}

// InsertSession saves a session's joined transcript in its own transaction.
func (s *Store) InsertSession(ctx context.Context, sessionID, content string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO transcripts (content, session_id, created_at) VALUES (?, ?, ?)`,
			content, sessionID, s.now().UTC().Format(createdAtLayout),
		)
		if err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug().Int64("id", id).Str("session_id", sessionID).Int("chars", len(content)).Msg("transcript saved")
	return id, nil
}

// ListAll returns every transcript, newest first.
func (s *Store) ListAll(ctx context.Context) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, created_at
		FROM transcripts
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.CreatedAt = parseTimestamp(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// parseTimestamp accepts the store's own layout, SQLite's CURRENT_TIMESTAMP
// layout, and RFC 3339 (what database/sql produces when the driver hands back
// a time.Time).
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{createdAtLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
