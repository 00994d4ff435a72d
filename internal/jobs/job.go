// Package jobs runs research questions as background jobs with a
// created → processing → completed|failed lifecycle.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Failure reason codes recorded on failed jobs, in addition to the agent
// run reasons.
const (
	ReasonProcessingTimeout = "processing_timeout"
	ReasonTriggerFailed     = "trigger_failed"
	ReasonExpired           = "expired"
	ReasonInternal          = "internal_error"
)

// Stage labels outside the agent run.
const (
	StageQueued    = "queued"
	StageStarting  = "starting"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Progress is the latest progress snapshot. It is replaced as a whole.
type Progress struct {
	Stage      string    `json:"stage"`
	Percentage int       `json:"percentage"`
	Note       string    `json:"note,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Params are the caller supplied options of a job.
type Params struct {
	Provider   string   `json:"provider,omitempty"`
	ContextIDs []string `json:"context_ids,omitempty"`
}

// Job is the persisted record of one research question.
type Job struct {
	ID       string          `json:"job_id"`
	Status   Status          `json:"status"`
	Progress Progress        `json:"progress"`
	Question string          `json:"question"`
	Params   Params          `json:"params"`
	Result   json.RawMessage `json:"result,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Usage    budget.Usage    `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the job is past its retention window at now.
func (j Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}
