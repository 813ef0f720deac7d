// Package eventstore keeps a SQLite history of synthesis requests.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one finished synthesis request.
type Record struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	SessionID      string    `json:"session_id"`
	Voice          string    `json:"voice"`
	Speed          float64   `json:"speed"`
	Chars          int       `json:"chars"`
	Chunks         int       `json:"chunks"`
	CacheHits      int       `json:"cache_hits"`
	FailedChunks   int       `json:"failed_chunks"`
	AudioSeconds   float64   `json:"audio_seconds"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	RTF            float64   `json:"rtf"`
	Quality        string    `json:"quality"`
	Completed      bool      `json:"completed"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store wraps the SQLite database. In ephemeral mode it holds no
// connection and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    session_id TEXT,
    voice TEXT,
    speed REAL,
    chars INTEGER,
    chunks INTEGER,
    cache_hits INTEGER,
    failed_chunks INTEGER,
    audio_seconds REAL,
    elapsed_seconds REAL,
    rtf REAL,
    quality TEXT,
    completed INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one request record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, session_id, voice, speed, chars, chunks, cache_hits, failed_chunks,
		     audio_seconds, elapsed_seconds, rtf, quality, completed, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.Voice, rec.Speed, rec.Chars, rec.Chunks, rec.CacheHits, rec.FailedChunks,
		rec.AudioSeconds, rec.ElapsedSeconds, rec.RTF, rec.Quality, rec.Completed, rec.Error, rec.CreatedAt.UTC().UnixNano())
	return err
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM requests ORDER BY created_at DESC, id DESC LIMIT ?`, normalizeLimit(limit))
}

// Session returns up to limit records of one session, oldest first.
func (s *Store) Session(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM requests WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, normalizeLimit(limit))
}

const columns = `id, request_id, session_id, voice, speed, chars, chunks, cache_hits, failed_chunks,
    audio_seconds, elapsed_seconds, rtf, quality, completed, error, created_at`

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created int64
		var session, voice, quality, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.RequestID, &session, &voice, &r.Speed, &r.Chars, &r.Chunks, &r.CacheHits,
			&r.FailedChunks, &r.AudioSeconds, &r.ElapsedSeconds, &r.RTF, &quality, &r.Completed, &errText, &created); err != nil {
			return nil, err
		}
		r.SessionID, r.Voice, r.Quality, r.Error = session.String, voice.String, quality.String, errText.String
		r.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
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

	var removed int64
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC().UnixNano())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if s.cfg.MaxRecords > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id IN (
			SELECT id FROM requests ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("pruned request history", slog.Int64("removed", removed))
	}
	return nil
}

// Ensure checks that an ephemeral store holds no connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
