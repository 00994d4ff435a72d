package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
)

// JobService is the part of jobs.Manager the API needs.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (jobs.Job, error)
	GetStatus(ctx context.Context, id string) (jobs.Job, error)
	GetResult(ctx context.Context, id string) (json.RawMessage, error)
}

type JobsHandler struct {
	Jobs JobService
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.status)
	g.GET("/:id/result", h.result)
}

// create accepts a research question and returns before any research runs.
func (h *JobsHandler) create(c echo.Context) error {
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	job, err := h.Jobs.Create(c.Request().Context(), jobs.CreateRequest{
		Question:   req.Question,
		Provider:   req.Provider,
		ContextIDs: req.ContextIDs,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, CreateJobResponse{JobID: job.ID, Status: string(job.Status), Reason: job.Reason})
}

func (h *JobsHandler) status(c echo.Context) error {
	job, err := h.Jobs.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusResponse(job))
}

// result answers 200 with the stored result, 202 while the job is not
// terminal and 409 when it failed.
func (h *JobsHandler) result(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	body, err := h.Jobs.GetResult(ctx, id)
	var failed jobs.FailedError
	switch {
	case err == nil:
		return c.JSONBlob(http.StatusOK, body)
	case errors.Is(err, jobs.ErrNotReady):
		job, serr := h.Jobs.GetStatus(ctx, id)
		if serr != nil {
			return serr
		}
		return c.JSON(http.StatusAccepted, NotReadyResponse{Status: string(job.Status), Error: jobs.ErrNotReady.Error()})
	case errors.As(err, &failed):
		return c.JSON(http.StatusConflict, FailedResponse{Status: string(jobs.StatusFailed), Reason: failed.Reason, Error: failed.Message})
	}
	return err
}

func statusResponse(job jobs.Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:      job.ID,
		Status:     string(job.Status),
		Stage:      job.Progress.Stage,
		Percentage: job.Progress.Percentage,
		Note:       job.Progress.Note,
		Reason:     job.Reason,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Status.Terminal() {
		usage := job.Usage
		resp.Usage = &usage
	}
	return resp
}
