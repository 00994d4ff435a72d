package server

import (
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

// HTTPError is the error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	Question   string   `json:"question"`
	Provider   string   `json:"provider,omitempty"`
	ContextIDs []string `json:"context_ids,omitempty"`
}

// CreateJobResponse acknowledges an accepted job.
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// JobStatusResponse is the latest persisted snapshot of a job.
type JobStatusResponse struct {
	JobID      string        `json:"job_id"`
	Status     string        `json:"status"`
	Stage      string        `json:"stage"`
	Percentage int           `json:"percentage"`
	Note       string        `json:"note,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Usage      *budget.Usage `json:"usage,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NotReadyResponse is returned with 202 while a result is pending.
type NotReadyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// FailedResponse is returned with 409 for failed jobs.
type FailedResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}
