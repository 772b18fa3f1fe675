// Package eventstore keeps a SQLite timeline of pipeline stage events.
// Only metadata is stored: transcripts, replies and audio never are.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
)

// Record is one stored stage transition.
type Record struct {
	ID         int64
	RequestID  string
	SessionID  string
	Path       string
	Stage      string
	Kind       string
	Error      string
	Degraded   bool
	DurationMS int64
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed stage timeline. In ephemeral mode it has no
// database and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    path TEXT NOT NULL,
    stage TEXT NOT NULL,
    kind TEXT,
    error TEXT,
    degraded INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_stage_events_session_created ON stage_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_stage_events_request ON stage_events(request_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether records are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources. In session mode the timeline is
// cleared first so nothing outlives the process.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode == "session" {
		if _, err := s.db.Exec(`DELETE FROM sessions`); err != nil {
			s.log.Warn("event store clear on close failed", slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

// Append writes rec, creating or touching its session row.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at, updated_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at=excluded.updated_at`,
		rec.SessionID, rec.CreatedAt, rec.CreatedAt); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_events(request_id, session_id, path, stage, kind, error, degraded, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.Path, rec.Stage, rec.Kind, rec.Error, rec.Degraded, rec.DurationMS, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	return tx.Commit()
}

// ObserveStage records pipeline events. Failures are logged and never
// interrupt the turn.
func (s *Store) ObserveStage(ctx context.Context, event pipeline.Event) {
	if s.db == nil {
		return
	}
	err := s.Append(context.WithoutCancel(ctx), Record{
		RequestID:  event.RequestID,
		SessionID:  event.SessionID,
		Path:       string(event.Path),
		Stage:      string(event.Stage),
		Kind:       string(event.Kind),
		Error:      event.Error,
		Degraded:   event.Degraded,
		DurationMS: event.Duration.Milliseconds(),
		CreatedAt:  event.Timestamp,
	})
	if err != nil {
		s.log.Warn("failed to record stage event",
			slog.String("request_id", event.RequestID),
			slog.String("error", err.Error()))
	}
}

// ListSessionEvents retrieves up to limit records for a session ordered by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, request_id, session_id, path, stage, kind, error, degraded, duration_ms, created_at
		 FROM stage_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
}

// ListRequestEvents returns the stage timeline of one turn.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT id, request_id, session_id, path, stage, kind, error, degraded, duration_ms, created_at
		 FROM stage_events WHERE request_id = ? ORDER BY id ASC`, requestID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind, errText sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.SessionID, &r.Path, &r.Stage, &kind, &errText, &r.Degraded, &r.DurationMS, &created); err != nil {
			return nil, err
		}
		r.Kind = kind.String
		r.Error = errText.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM stage_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
