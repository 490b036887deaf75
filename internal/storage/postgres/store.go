// Package postgres provides the Postgres-backed scraper.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

// Schema is the DDL applied by Migrate.
//
//go:embed schema.sql
var Schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store implements scraper.Store on Postgres.
type Store struct {
	pool dbPool
	now  func() time.Time
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const jobColumns = `id, status, user_id, marketplace_config_id, base_url, product_list,
	checkpoint, error_message, last_run_at, created_at, updated_at`

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job scraper.Job) error {
	query := `INSERT INTO scraping_jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.UserID,
		job.MarketplaceConfigID,
		job.BaseURL,
		job.ProductList,
		job.Checkpoint,
		job.ErrorMessage,
		job.LastRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s: %w", job.ID, scraper.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (scraper.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scraping_jobs WHERE id = $1`, jobID)
	return scanJob(row, jobID)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter scraper.JobFilter) ([]scraper.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM scraping_jobs
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR user_id = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`
	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.UserID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListUnfinishedJobs returns QUEUED and RUNNING jobs oldest first.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]scraper.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scraping_jobs
WHERE status IN ('QUEUED', 'RUNNING')
ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	return collectJobs(rows)
}

// TransitionJob locks the job row, validates the move, and writes the new
// status together with any result rows.
func (s *Store) TransitionJob(ctx context.Context, jobID string, t scraper.Transition) (job scraper.Job, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("begin transition: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scraping_jobs WHERE id = $1 FOR UPDATE`, jobID), jobID)
	if err != nil {
		return scraper.Job{}, err
	}
	next, err := scraper.ApplyTransition(current, t)
	if err != nil {
		return current, err
	}

	tag, err := tx.Exec(ctx, `UPDATE scraping_jobs
SET status = $2, checkpoint = $3, error_message = $4, last_run_at = $5, updated_at = $6
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		jobID, string(next.Status), next.Checkpoint, next.ErrorMessage, next.LastRunAt, next.UpdatedAt)
	if err != nil {
		return scraper.Job{}, fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return current, fmt.Errorf("job %s: %w", jobID, scraper.ErrInvalidTransition)
	}

	for _, p := range t.Results {
		p.JobID = jobID
		if _, err := s.upsert(ctx, tx, p); err != nil {
			return scraper.Job{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return scraper.Job{}, fmt.Errorf("commit transition: %w", err)
	}
	committed = true
	return next, nil
}

// SaveCheckpoint records progress for a non-terminal job.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, index int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scraping_jobs SET checkpoint = $2, updated_at = $3
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`, jobID, index, at)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("checkpoint job %s: %w", jobID, scraper.ErrInvalidTransition)
	}
	return nil
}

// UpsertProduct creates or replaces the row for (job id, search term). The
// job row is share-locked so a concurrent terminal transition either lands
// first and rejects the write, or waits for it.
func (s *Store) UpsertProduct(ctx context.Context, product scraper.Product) (saved scraper.Product, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scraper.Product{}, fmt.Errorf("begin upsert: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM scraping_jobs WHERE id = $1 FOR SHARE`, product.JobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.Product{}, fmt.Errorf("job %s: %w", product.JobID, scraper.ErrNotFound)
		}
		return scraper.Product{}, fmt.Errorf("lock job: %w", err)
	}
	if scraper.JobStatus(status).Terminal() {
		return scraper.Product{}, fmt.Errorf("upsert product for job %s in status %s: %w", product.JobID, status, scraper.ErrInvalidTransition)
	}

	saved, err = s.upsert(ctx, tx, product)
	if err != nil {
		return scraper.Product{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return scraper.Product{}, fmt.Errorf("commit upsert: %w", err)
	}
	committed = true
	return saved, nil
}

func (s *Store) upsert(ctx context.Context, q queryer, p scraper.Product) (scraper.Product, error) {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	query := `INSERT INTO scraped_products
	(id, job_id, search_term, name, brand, code, price, currency, rating, link, similarity, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (job_id, search_term) DO UPDATE SET
	name = EXCLUDED.name,
	brand = EXCLUDED.brand,
	code = EXCLUDED.code,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	rating = EXCLUDED.rating,
	link = EXCLUDED.link,
	similarity = EXCLUDED.similarity,
	updated_at = EXCLUDED.updated_at
RETURNING id, created_at`
	err := q.QueryRow(ctx, query,
		p.ID, p.JobID, p.SearchTerm, p.Name, p.Brand, p.Code, p.Price,
		p.Currency, p.Rating, p.Link, p.Similarity, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return scraper.Product{}, fmt.Errorf("job %s: %w", p.JobID, scraper.ErrNotFound)
		}
		return scraper.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return p, nil
}

// ListProducts returns a job's products in creation order.
func (s *Store) ListProducts(ctx context.Context, jobID string) ([]scraper.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, search_term, name, brand, code, price, currency,
	rating, link, similarity, created_at, updated_at
FROM scraped_products WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []scraper.Product
	for rows.Next() {
		var p scraper.Product
		if err := rows.Scan(&p.ID, &p.JobID, &p.SearchTerm, &p.Name, &p.Brand, &p.Code, &p.Price,
			&p.Currency, &p.Rating, &p.Link, &p.Similarity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

// AppendLog inserts a log row.
func (s *Store) AppendLog(ctx context.Context, entry scraper.JobLog) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO job_logs (id, job_id, status, message, created_at)
VALUES ($1,$2,$3,$4,$5)`, entry.ID, entry.JobID, string(entry.Status), entry.Message, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("job %s: %w", entry.JobID, scraper.ErrNotFound)
		}
		return fmt.Errorf("insert job log: %w", err)
	}
	return nil
}

// ListLogs returns a job's logs in insertion order.
func (s *Store) ListLogs(ctx context.Context, jobID string) ([]scraper.JobLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, job_id, status, message, created_at
FROM job_logs WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var out []scraper.JobLog
	for rows.Next() {
		var (
			entry  scraper.JobLog
			status string
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &status, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		entry.Status = scraper.JobStatus(status)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job logs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row, jobID string) (scraper.Job, error) {
	var (
		job    scraper.Job
		status string
	)
	err := row.Scan(&job.ID, &status, &job.UserID, &job.MarketplaceConfigID, &job.BaseURL, &job.ProductList,
		&job.Checkpoint, &job.ErrorMessage, &job.LastRunAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.Job{}, fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
		}
		return scraper.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = scraper.JobStatus(status)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]scraper.Job, error) {
	defer rows.Close()
	var out []scraper.Job
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
