package database

import (
	"context"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGTranscripts mirrors finished transcripts into PostgreSQL so they are
// available server-side. The SQLite store stays authoritative.
type PGTranscripts struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

var pgTranscriptsTable = migration{
	name: "create pg transcripts",
	sql: `CREATE TABLE IF NOT EXISTS transcripts (
		id         bigserial PRIMARY KEY,
		session_id text NOT NULL DEFAULT '',
		content    text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
}

func ConnectPG(ctx context.Context, databaseURL string, log zerolog.Logger) (*PGTranscripts, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log = log.With().Str("component", "pg-transcripts").Logger()
	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Msg("postgres connected")

	pg := &PGTranscripts{Pool: pool, log: log}
	if _, err := pool.Exec(ctx, pgTranscriptsTable.sql); err != nil {
		pool.Close()
		return nil, &MigrationError{
			failed:  pgTranscriptsTable,
			pending: []migration{pgTranscriptsTable},
			err:     err,
		}
	}
	return pg, nil
}

func (pg *PGTranscripts) InsertSession(ctx context.Context, sessionID, content string) (int64, error) {
	tx, err := pg.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO transcripts (session_id, content) VALUES ($1, $2) RETURNING id`,
		sessionID, content,
	).Scan(&id); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (pg *PGTranscripts) ListAll(ctx context.Context) ([]Transcript, error) {
	rows, err := pg.Pool.Query(ctx,
		`SELECT id, session_id, content, created_at FROM transcripts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (pg *PGTranscripts) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return pg.Pool.Ping(ctx)
}

func (pg *PGTranscripts) Close() {
	pg.log.Info().Msg("closing postgres pool")
	pg.Pool.Close()
}

// SessionInserter stores a session's joined transcript.
type SessionInserter interface {
	InsertSession(ctx context.Context, sessionID, content string) (int64, error)
}

// Mirrored writes to Primary and then best-effort to Mirror.
type Mirrored struct {
	Primary SessionInserter
	Mirror  SessionInserter
	Log     zerolog.Logger
}

func (m *Mirrored) InsertSession(ctx context.Context, sessionID, content string) (int64, error) {
	id, err := m.Primary.InsertSession(ctx, sessionID, content)
	if err != nil {
		return 0, err
	}
	if m.Mirror != nil {
		if _, err := m.Mirror.InsertSession(ctx, sessionID, content); err != nil {
			m.Log.Warn().Err(err).Str("session_id", sessionID).Msg("transcript mirror write failed")
		}
	}
	return id, nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
