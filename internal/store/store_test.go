package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateJob(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := jobs.Job{
		ID:        "6f1c2d1e-8a57-4c1b-9d3e-2f4b5a6c7d8e",
		Status:    jobs.StatusCreated,
		Question:  "What is the notice period?",
		Params:    jobs.Params{ContextIDs: []string{"eli/a"}},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_jobs`)).
		WithArgs(job.ID, "created", job.Question, "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), now, now, job.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.Create(context.Background(), job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDuplicateJob(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_jobs`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.Create(context.Background(), jobs.Job{ID: "dup", Status: jobs.StatusCreated})
	if !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetJob(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	progress, _ := json.Marshal(jobs.Progress{Stage: "completed", Percentage: 100})
	usage, _ := json.Marshal(budget.Usage{TotalTokens: 900, Iterations: 3})
	rows := sqlmock.NewRows([]string{"id", "status", "question", "provider", "context_ids", "progress", "result", "reason", "error", "usage", "created_at", "updated_at", "expires_at"}).
		AddRow("job-1", "completed", "q", "openai", "{eli/a,eli/b}", progress, []byte(`{"summary":"s"}`), "", "", usage, now, now, now.Add(time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_jobs WHERE id=$1`)).
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := st.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.Params.Provider != "openai" {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Params.ContextIDs) != 2 || job.Params.ContextIDs[1] != "eli/b" {
		t.Fatalf("unexpected context ids %v", job.Params.ContextIDs)
	}
	if job.Progress.Percentage != 100 || job.Usage.TotalTokens != 900 {
		t.Fatalf("unexpected progress/usage %+v %+v", job.Progress, job.Usage)
	}
	if string(job.Result) != `{"summary":"s"}` {
		t.Fatalf("unexpected result %s", job.Result)
	}
}

func TestGetMissingJob(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_jobs WHERE id=$1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMalformedJobID(t *testing.T) {
	st, mock := newMockStore(t)
	invalid := &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "not-a-uuid"`}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_jobs WHERE id=$1`)).
		WithArgs("not-a-uuid").
		WillReturnError(invalid)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_jobs SET status='processing'`)).
		WithArgs("not-a-uuid", sqlmock.AnyArg()).
		WillReturnError(invalid)

	if _, err := st.Get(context.Background(), "not-a-uuid"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
	if err := st.Start(context.Background(), "not-a-uuid", jobs.Progress{}); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Start, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStartGuardsStatus(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_jobs SET status='processing'`)).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM research_jobs WHERE id=$1`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := st.Start(context.Background(), "job-1", jobs.Progress{Stage: "starting"})
	if !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_jobs SET progress=$2`)).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM research_jobs WHERE id=$1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	if err := st.UpdateProgress(context.Background(), "missing", jobs.Progress{}); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteAndFail(t *testing.T) {
	st, mock := newMockStore(t)
	result := json.RawMessage(`{"summary":"done"}`)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_jobs SET status='completed'`)).
		WithArgs("job-1", []byte(result), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE research_jobs SET status='failed'`)).
		WithArgs("job-2", jobs.ReasonProcessingTimeout, "processing exceeded 14m0s", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := st.Complete(ctx, "job-1", result, budget.Usage{TotalTokens: 10, Cost: 0.01}, jobs.Progress{}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if err := st.Fail(ctx, "job-2", jobs.ReasonProcessingTimeout, "processing exceeded 14m0s", budget.Usage{}, jobs.Progress{}); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStaleAndPurge(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM research_jobs`)).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM research_jobs WHERE expires_at <= $1`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	ids, err := st.Stale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Stale returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("unexpected ids %v", ids)
	}
	n, err := st.Purge(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Purge returned error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 purged, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
