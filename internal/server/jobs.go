package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/adpilot-hq/adpilot/internal/batch"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// JobsHandler exposes pipeline runs: trigger, inspect, pause.
type JobsHandler struct {
	Store *store.Store
	Orch  *batch.Orchestrator
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("/jobs", h.trigger)
	g.GET("/jobs/:id", h.get)
	g.POST("/jobs/:id/pause", h.pause)
}

type triggerRequest struct {
	// AccountIDs restricts the run; empty runs every account.
	AccountIDs []string `json:"account_ids"`
	// WeekStart is any day inside the target week; defaults to now.
	WeekStart string `json:"week_start"`
}

type jobResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	TotalAccounts int                  `json:"total_accounts"`
	Processed     int                  `json:"processed"`
	Failed        int                  `json:"failed"`
	Skipped       int                  `json:"skipped"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    *time.Time           `json:"finished_at,omitempty"`
	Error         string               `json:"error,omitempty"`
	Accounts      []accountLogResponse `json:"accounts,omitempty"`
}

type accountLogResponse struct {
	AccountID      string            `json:"account_id"`
	Status         string            `json:"status"`
	Steps          map[string]string `json:"steps"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

func (h *JobsHandler) trigger(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	weekStart := time.Now()
	if req.WeekStart != "" {
		t, err := time.Parse("2006-01-02", req.WeekStart)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "week_start must be YYYY-MM-DD")
		}
		weekStart = t
	}
	jobID, err := h.Orch.StartJob(c.Request().Context(), weekStart, req.AccountIDs)
	if err != nil {
		if errors.Is(err, batch.ErrNoEligibleAccounts) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *JobsHandler) get(c echo.Context) error {
	id := c.Param("id")
	job, found, err := h.Store.GetBatchJob(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	logs, err := h.Store.ListAccountLogs(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := jobResponse{
		ID:            job.ID,
		Status:        job.Status,
		TotalAccounts: job.TotalAccounts,
		Processed:     job.Processed,
		Failed:        job.Failed,
		Skipped:       job.Skipped,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		Error:         job.Error,
	}
	for _, l := range logs {
		resp.Accounts = append(resp.Accounts, accountLogResponse{
			AccountID:      l.AccountID,
			Status:         l.Status,
			Steps:          l.Steps,
			Attempts:       l.Attempts,
			LastError:      l.LastError,
			LastActivityAt: l.LastActivityAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *JobsHandler) pause(c echo.Context) error {
	id := c.Param("id")
	job, found, err := h.Store.GetBatchJob(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if job.Status != store.JobStatusRunning {
		return echo.NewHTTPError(http.StatusConflict, "job is not running")
	}
	if err := h.Orch.Pause(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": store.JobStatusPaused})
}
