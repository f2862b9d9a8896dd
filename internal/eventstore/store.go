package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/rhinos/internal/config"
	"github.com/rs/xid"
	_ "modernc.org/sqlite"
)

// Event represents one entry on a surface's playback timeline.
type Event struct {
	ID        int64
	SurfaceID string
	TraceID   string
	ActorID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Surface is a player surface that has recorded at least one event.
type Surface struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Store wraps a SQLite-backed playback timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
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
CREATE TABLE IF NOT EXISTS surfaces (
    surface_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    surface_id TEXT NOT NULL,
    trace_id TEXT,
    actor_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(surface_id) REFERENCES surfaces(surface_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_surface_created ON events(surface_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendEvent writes an event, registering its surface on first sight.
// Events without a trace ID get a fresh one.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.SurfaceID == "" {
		return fmt.Errorf("event missing surface id")
	}
	now := s.clock().UTC()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	if evt.TraceID == "" {
		evt.TraceID = xid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO surfaces(surface_id, created_at, last_seen) VALUES(?, ?, ?)
		 ON CONFLICT(surface_id) DO UPDATE SET last_seen=excluded.last_seen`,
		evt.SurfaceID, now, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(surface_id, trace_id, actor_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SurfaceID, evt.TraceID, evt.ActorID, evt.Type, evt.Payload, evt.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSurfaceEvents retrieves up to limit events for a surface ordered ascending by time.
func (s *Store) ListSurfaceEvents(ctx context.Context, surfaceID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, surface_id, trace_id, actor_id, event_type, payload, created_at
		 FROM events WHERE surface_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, surfaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SurfaceID, &e.TraceID, &e.ActorID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSurfaces returns known surfaces, most recently seen first.
func (s *Store) ListSurfaces(ctx context.Context) ([]Surface, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT surface_id, created_at, last_seen FROM surfaces ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Surface
	for rows.Next() {
		var sf Surface
		var created, seen string
		if err := rows.Scan(&sf.ID, &created, &seen); err != nil {
			return nil, err
		}
		sf.CreatedAt = parseTime(created)
		sf.LastSeen = parseTime(seen)
		out = append(out, sf)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM surfaces WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSurfaces > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM surfaces WHERE surface_id IN (
			SELECT surface_id FROM surfaces ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSurfaces); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
