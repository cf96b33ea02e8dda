package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultQueryTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS remux_jobs (
	id            TEXT PRIMARY KEY,
	key           TEXT NOT NULL,
	transport     TEXT NOT NULL,
	state         TEXT NOT NULL,
	mime_type     TEXT NOT NULL DEFAULT '',
	file_size     BIGINT NOT NULL DEFAULT 0,
	output_dir    TEXT NOT NULL,
	manifest_path TEXT NOT NULL DEFAULT '',
	segments      INTEGER NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	bytes_read    BIGINT NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS remux_jobs_created_at ON remux_jobs (created_at DESC);
`

const jobColumns = `id, key, transport, state, mime_type, file_size, output_dir, manifest_path,
	segments, duration_ms, bytes_read, error_kind, error, created_at, finished_at`

// Postgres is a Store backed by a Postgres table, so job history survives
// restarts and is shared between replicas.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// OpenPostgres connects to dsn and creates the jobs table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("store: postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres pool: %w", err)
	}
	p := &Postgres{pool: pool, timeout: defaultQueryTimeout}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("store: job ID required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
INSERT INTO remux_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	manifest_path = EXCLUDED.manifest_path,
	segments = EXCLUDED.segments,
	duration_ms = EXCLUDED.duration_ms,
	bytes_read = EXCLUDED.bytes_read,
	error_kind = EXCLUDED.error_kind,
	error = EXCLUDED.error,
	finished_at = EXCLUDED.finished_at
`, job.ID, job.Key, job.Transport, string(job.State), job.MimeType, job.FileSize,
		job.OutputDir, job.ManifestPath, job.Segments, job.Duration.Milliseconds(),
		job.BytesRead, job.ErrorKind, job.Error, job.CreatedAt.UTC(), nullTime(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("store: save job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Job, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM remux_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return job, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `SELECT ` + jobColumns + ` FROM remux_jobs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job        Job
		state      string
		durationMs int64
		finished   *time.Time
	)
	err := row.Scan(&job.ID, &job.Key, &job.Transport, &state, &job.MimeType, &job.FileSize,
		&job.OutputDir, &job.ManifestPath, &job.Segments, &durationMs, &job.BytesRead,
		&job.ErrorKind, &job.Error, &job.CreatedAt, &finished)
	if err != nil {
		return Job{}, err
	}
	job.State = State(state)
	job.Duration = time.Duration(durationMs) * time.Millisecond
	if finished != nil {
		job.FinishedAt = *finished
	}
	return job, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
