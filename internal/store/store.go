package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
)

// Store is the Postgres implementation of jobs.Store. Status changes are
// guarded in the WHERE clause so concurrent writers cannot move a job
// backwards.
type Store struct {
	DB *sql.DB
}

var (
	metricsOnce  sync.Once
	costCounter  otelmetric.Float64Counter
	tokenCounter otelmetric.Int64Counter
	metricsErr   error
)

func initStoreMetrics() {
	meter := otel.Meter("lexresearch/store")
	var err error
	costCounter, err = meter.Float64Counter("job_cost_usd_total")
	if err != nil {
		metricsErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("job_tokens_total")
	if err != nil {
		metricsErr = err
	}
}

// NewWithDSN opens and pings a Postgres connection pool.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

const jobColumns = `id, status, question, provider, context_ids, progress, result, reason, error, usage, created_at, updated_at, expires_at`

func (s *Store) Create(ctx context.Context, job jobs.Job) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	usage, err := json.Marshal(job.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO research_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,NULL,'','',$7,$8,$9,$10)`,
		job.ID, string(job.Status), job.Question, job.Params.Provider, pq.Array(job.Params.ContextIDs),
		progress, usage, job.CreatedAt, job.UpdatedAt, job.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return jobs.ErrInvalidTransition
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (jobs.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) || malformedID(err) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, err
}

func (s *Store) Start(ctx context.Context, id string, p jobs.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return s.guarded(ctx, id, `UPDATE research_jobs SET status='processing', progress=$2, updated_at=NOW()
WHERE id=$1 AND status='created'`, id, progress)
}

func (s *Store) UpdateProgress(ctx context.Context, id string, p jobs.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return s.guarded(ctx, id, `UPDATE research_jobs SET progress=$2, updated_at=NOW()
WHERE id=$1 AND status='processing'`, id, progress)
}

func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage, usage budget.Usage, p jobs.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	err = s.guarded(ctx, id, `UPDATE research_jobs SET status='completed', result=$2, usage=$3, progress=$4, updated_at=NOW()
WHERE id=$1 AND status='processing'`, id, []byte(result), usageJSON, progress)
	if err == nil {
		recordUsage(ctx, usage, jobs.StatusCompleted)
	}
	return err
}

func (s *Store) Fail(ctx context.Context, id string, reason, message string, usage budget.Usage, p jobs.Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	err = s.guarded(ctx, id, `UPDATE research_jobs SET status='failed', reason=$2, error=$3, usage=$4, progress=$5, updated_at=NOW()
WHERE id=$1 AND status IN ('created','processing')`, id, reason, message, usageJSON, progress)
	if err == nil {
		recordUsage(ctx, usage, jobs.StatusFailed)
	}
	return err
}

func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM research_jobs
WHERE status IN ('created','processing') AND created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM research_jobs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// guarded runs a status-guarded update. When no row changed it tells a
// missing job apart from one in the wrong status.
func (s *Store) guarded(ctx context.Context, id, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if malformedID(err) {
		return jobs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM research_jobs WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, jobs.ErrInvalidTransition)
}

// malformedID reports a uuid column rejecting the supplied id
// (invalid_text_representation). No job can carry such an id.
func malformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		job        jobs.Job
		status     string
		contextIDs []string
		progress   []byte
		result     []byte
		usage      []byte
	)
	if err := row.Scan(&job.ID, &status, &job.Question, &job.Params.Provider, pq.Array(&contextIDs),
		&progress, &result, &job.Reason, &job.Error, &usage, &job.CreatedAt, &job.UpdatedAt, &job.ExpiresAt); err != nil {
		return jobs.Job{}, err
	}
	job.Status = jobs.Status(status)
	job.Params.ContextIDs = contextIDs
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return jobs.Job{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &job.Usage); err != nil {
			return jobs.Job{}, fmt.Errorf("decode usage: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

func recordUsage(ctx context.Context, usage budget.Usage, status jobs.Status) {
	metricsOnce.Do(initStoreMetrics)
	if metricsErr != nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("status", string(status)))
	if usage.TotalTokens > 0 {
		tokenCounter.Add(ctx, usage.TotalTokens, attrs)
	}
	if usage.Cost > 0 {
		costCounter.Add(ctx, usage.Cost, attrs)
	}
}

var _ jobs.Store = (*Store)(nil)
