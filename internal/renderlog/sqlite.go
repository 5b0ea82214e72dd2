package renderlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists render records in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is accepted.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps ":memory:" on a single shared connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS render_jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		model_used TEXT NOT NULL,
		outcome TEXT NOT NULL,
		fallback INTEGER NOT NULL DEFAULT 0,
		fallback_reason TEXT NOT NULL DEFAULT '',
		fallback_renderer TEXT NOT NULL DEFAULT '',
		video_path TEXT NOT NULL,
		duration REAL NOT NULL,
		phoneme_count INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		transitions TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		resolved_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_render_jobs_session_created ON render_jobs(session_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	transitions, err := json.Marshal(transitionsOrEmpty(record.Transitions))
	if err != nil {
		return fmt.Errorf("encode transitions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO render_jobs (id, session_id, model, model_used, outcome, fallback,
			fallback_reason, fallback_renderer, video_path, duration, phoneme_count, text, error,
			elapsed_ms, transitions, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.Model,
		record.ModelUsed,
		record.Outcome,
		record.Fallback,
		record.FallbackReason,
		record.FallbackRenderer,
		record.VideoPath,
		record.Duration,
		record.PhonemeCount,
		record.Text,
		record.Error,
		record.ElapsedMS,
		string(transitions),
		formatTime(record.CreatedAt),
		formatTime(record.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("save render job: %w", err)
	}
	return nil
}

const sqliteColumns = `id, session_id, model, model_used, outcome, fallback, fallback_reason, fallback_renderer,
	video_path, duration, phoneme_count, text, error, elapsed_ms, transitions, created_at, resolved_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM render_jobs WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get render job: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM render_jobs
		 WHERE (? = '' OR session_id = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		filter.SessionID, filter.SessionID, filter.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("query render jobs: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan render job row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate render job rows: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Record, error) {
	var (
		r                     Record
		transitions           string
		createdAt, resolvedAt string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Model, &r.ModelUsed, &r.Outcome, &r.Fallback,
		&r.FallbackReason, &r.FallbackRenderer, &r.VideoPath, &r.Duration, &r.PhonemeCount,
		&r.Text, &r.Error, &r.ElapsedMS, &transitions, &createdAt, &resolvedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(transitions), &r.Transitions); err != nil {
		return Record{}, fmt.Errorf("decode transitions: %w", err)
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, err
	}
	if r.ResolvedAt, err = parseTime(resolvedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
