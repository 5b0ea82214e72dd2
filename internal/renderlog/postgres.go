package renderlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists render records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS render_jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			model_used TEXT NOT NULL,
			outcome TEXT NOT NULL,
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			fallback_reason TEXT NOT NULL DEFAULT '',
			fallback_renderer TEXT NOT NULL DEFAULT '',
			video_path TEXT NOT NULL,
			duration DOUBLE PRECISION NOT NULL,
			phoneme_count INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			transitions JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_render_jobs_session_created ON render_jobs (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO render_jobs (id, session_id, model, model_used, outcome, fallback, fallback_reason,
			fallback_renderer, video_path, duration, phoneme_count, text, error, elapsed_ms, transitions,
			created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
			outcome = EXCLUDED.outcome, fallback = EXCLUDED.fallback,
			fallback_reason = EXCLUDED.fallback_reason, fallback_renderer = EXCLUDED.fallback_renderer,
			video_path = EXCLUDED.video_path, error = EXCLUDED.error, elapsed_ms = EXCLUDED.elapsed_ms,
			transitions = EXCLUDED.transitions, resolved_at = EXCLUDED.resolved_at`,
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
		transitions,
		record.CreatedAt,
		record.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("save render job: %w", err)
	}
	return nil
}

const postgresColumns = `id, session_id, model, model_used, outcome, fallback, fallback_reason, fallback_renderer,
	video_path, duration, phoneme_count, text, error, elapsed_ms, transitions, created_at, resolved_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM render_jobs WHERE id=$1`, id)
	r, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get render job: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresColumns+` FROM render_jobs
		 WHERE ($1 = '' OR session_id = $1)
		 ORDER BY created_at DESC LIMIT $2`,
		filter.SessionID,
		filter.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("query render jobs: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, filter.limit())
	for rows.Next() {
		r, err := scanPostgres(rows)
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

func scanPostgres(row pgx.Row) (Record, error) {
	var (
		r           Record
		transitions []byte
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Model, &r.ModelUsed, &r.Outcome, &r.Fallback,
		&r.FallbackReason, &r.FallbackRenderer, &r.VideoPath, &r.Duration, &r.PhonemeCount,
		&r.Text, &r.Error, &r.ElapsedMS, &transitions, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return Record{}, err
	}
	if len(transitions) > 0 {
		if err := json.Unmarshal(transitions, &r.Transitions); err != nil {
			return Record{}, fmt.Errorf("decode transitions: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func transitionsOrEmpty(in []Transition) []Transition {
	if in == nil {
		return []Transition{}
	}
	return in
}
