package jobs

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

// Store persists jobs. Every write is atomic and only succeeds when the job
// is in a state the write may leave; otherwise it returns
// ErrInvalidTransition. Unknown ids return ErrNotFound.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Start moves a created job to processing.
	Start(ctx context.Context, id string, p Progress) error
	// UpdateProgress replaces the snapshot of a processing job.
	UpdateProgress(ctx context.Context, id string, p Progress) error
	// Complete moves a processing job to completed.
	Complete(ctx context.Context, id string, result json.RawMessage, usage budget.Usage, p Progress) error
	// Fail moves a created or processing job to failed.
	Fail(ctx context.Context, id string, reason, message string, usage budget.Usage, p Progress) error
	// Stale lists non-terminal jobs created before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]string, error)
	// Purge deletes jobs whose retention ended at or before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
	now  func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrInvalidTransition
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return clone(job), nil
}

// update applies fn to the job when its status is one of from.
func (s *MemoryStore) update(id string, from []Status, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, job.Status) {
		return ErrInvalidTransition
	}
	fn(&job)
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) Start(_ context.Context, id string, p Progress) error {
	return s.update(id, []Status{StatusCreated}, func(j *Job) {
		j.Status = StatusProcessing
		j.Progress = p
	})
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, p Progress) error {
	return s.update(id, []Status{StatusProcessing}, func(j *Job) {
		j.Progress = p
	})
}

func (s *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage, usage budget.Usage, p Progress) error {
	return s.update(id, []Status{StatusProcessing}, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = p
		j.Result = append(json.RawMessage(nil), result...)
		j.Usage = usage
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, reason, message string, usage budget.Usage, p Progress) error {
	return s.update(id, []Status{StatusCreated, StatusProcessing}, func(j *Job) {
		j.Status = StatusFailed
		j.Progress = p
		j.Reason = reason
		j.Error = message
		j.Usage = usage
	})
}

func (s *MemoryStore) Stale(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if !job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Expired(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func clone(j Job) Job {
	j.Result = append(json.RawMessage(nil), j.Result...)
	j.Params.ContextIDs = append([]string(nil), j.Params.ContextIDs...)
	return j
}

var _ Store = (*MemoryStore)(nil)
