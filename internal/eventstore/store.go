// Package eventstore keeps a SQLite timeline of utterance episodes: what was
// heard, how it was classified and what the assistant did about it.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/minhharry/voiceassistant/internal/config"
	_ "modernc.org/sqlite"
)

// Event types recorded by the pipeline.
const (
	TypeUtterance        = "utterance.captured"
	TypeTranscript       = "transcription.completed"
	TypeTranscriptFailed = "transcription.failed"
	TypeClassified       = "classification.completed"
	TypeClassifyFailed   = "classification.failed"
	TypeHandlerFailed    = "handler.failed"
	TypeFeedback         = "feedback.spoken"
	TypeCatalogUpdated   = "catalog.updated"
)

// Episode is one closed utterance and its processing.
type Episode struct {
	ID         string
	Strategy   string
	Frames     int
	PreRoll    int
	DurationMS int64
	CreatedAt  time.Time
}

// Event is a timeline entry attached to an episode.
type Event struct {
	ID        int64
	EpisodeID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store. Disabled or ephemeral stores accept writes and
// keep nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled || cfg.RetentionMode == "ephemeral" {
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
	db.SetMaxOpenConns(1)
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
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
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
CREATE TABLE IF NOT EXISTS episodes (
    episode_id TEXT PRIMARY KEY,
    strategy TEXT,
    frames INTEGER NOT NULL DEFAULT 0,
    pre_roll INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    episode_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(episode_id) REFERENCES episodes(episode_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_episode_created ON events(episode_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether writes reach disk.
func (s *Store) Persistent() bool { return s.db != nil }

// AppendEpisode inserts or refreshes an episode row.
func (s *Store) AppendEpisode(ctx context.Context, ep Episode) error {
	if s.db == nil {
		return nil
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes(episode_id, strategy, frames, pre_roll, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(episode_id) DO UPDATE SET strategy=excluded.strategy, frames=excluded.frames,
		   pre_roll=excluded.pre_roll, duration_ms=excluded.duration_ms`,
		ep.ID, ep.Strategy, ep.Frames, ep.PreRoll, ep.DurationMS, ep.CreatedAt.UnixNano())
	return err
}

// AppendEvent writes an event; its episode must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(episode_id, trace_id, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.EpisodeID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListEpisodeEvents returns up to limit events of an episode, oldest first.
func (s *Store) ListEpisodeEvents(ctx context.Context, episodeID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, episode_id, COALESCE(trace_id, ''), event_type, payload, created_at
		 FROM events WHERE episode_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, episodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.EpisodeID, &e.TraceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentEpisodes returns up to limit episodes, newest first.
func (s *Store) RecentEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, COALESCE(strategy, ''), frames, pre_roll, duration_ms, created_at
		 FROM episodes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var ep Episode
		var created int64
		if err := rows.Scan(&ep.ID, &ep.Strategy, &ep.Frames, &ep.PreRoll, &ep.DurationMS, &created); err != nil {
			return nil, err
		}
		ep.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Prune applies the configured retention. Events go with their episode.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEpisodes > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM episodes WHERE episode_id IN (
			SELECT episode_id FROM episodes ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEpisodes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
