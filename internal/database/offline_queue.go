package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/twinmind/twinmind-engine/internal/capture"
	"github.com/twinmind/twinmind-engine/internal/queue"
)

const (
	queueStatusPending   = "pending"
	queueStatusProcessed = "processed"
	queueStatusFailed    = "failed"
)

// SaveEntry upserts a queue entry as pending.
func (s *Store) SaveEntry(ctx context.Context, e queue.Entry) error {
	seg := e.Segment
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO offline_queue (
				session_id, sequence_index, source_handle, captured_at, duration_ms,
				final, attempt_count, last_error, status, enqueued_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, sequence_index) DO UPDATE SET
				source_handle = excluded.source_handle,
				attempt_count = excluded.attempt_count,
				last_error    = excluded.last_error,
				status        = excluded.status,
				updated_at    = excluded.updated_at
		`,
			seg.SessionID, seg.SequenceIndex, seg.SourceHandle, seg.CapturedAt.UnixNano(),
			seg.Duration.Milliseconds(), seg.Final, e.AttemptCount, e.LastError,
			queueStatusPending, e.EnqueuedAt.UnixNano(), s.now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("save queue entry: %w", err)
		}
		return nil
	})
}

func (s *Store) MarkProcessed(ctx context.Context, sessionID string, seq int64) error {
	return s.setQueueStatus(ctx, sessionID, seq, queueStatusProcessed, nil)
}

func (s *Store) MarkFailed(ctx context.Context, sessionID string, seq int64, reason string) error {
	return s.setQueueStatus(ctx, sessionID, seq, queueStatusFailed, &reason)
}

func (s *Store) UpdateAttempts(ctx context.Context, sessionID string, seq int64, attempts int, lastErr string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE offline_queue SET attempt_count = ?, last_error = ?, updated_at = ?
			WHERE session_id = ? AND sequence_index = ?
		`, attempts, lastErr, s.now().UnixNano(), sessionID, seq)
		if err != nil {
			return fmt.Errorf("update queue attempts: %w", err)
		}
		return nil
	})
}

func (s *Store) setQueueStatus(ctx context.Context, sessionID string, seq int64, status string, reason *string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE offline_queue
			SET status = ?, last_error = COALESCE(?, last_error), updated_at = ?
			WHERE session_id = ? AND sequence_index = ?
		`, status, reason, s.now().UnixNano(), sessionID, seq)
		if err != nil {
			return fmt.Errorf("set queue status %s: %w", status, err)
		}
		return nil
	})
}

// PendingEntries returns unprocessed, non-failed entries in enqueue order.
func (s *Store) PendingEntries(ctx context.Context) ([]queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence_index, source_handle, captured_at, duration_ms,
			final, attempt_count, last_error, enqueued_at
		FROM offline_queue
		WHERE status = ?
		ORDER BY enqueued_at ASC, rowid ASC
	`, queueStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var out []queue.Entry
	for rows.Next() {
		var e queue.Entry
		var capturedAt, durationMs, enqueuedAt int64
		if err := rows.Scan(
			&e.Segment.SessionID, &e.Segment.SequenceIndex, &e.Segment.SourceHandle,
			&capturedAt, &durationMs, &e.Segment.Final, &e.AttemptCount, &e.LastError, &enqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Segment.CapturedAt = time.Unix(0, capturedAt)
		e.Segment.Duration = time.Duration(durationMs) * time.Millisecond
		e.Segment.State = capture.StateQueued
		e.EnqueuedAt = time.Unix(0, enqueuedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueueCounts returns the number of offline_queue rows per status.
func (s *Store) QueueCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM offline_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
