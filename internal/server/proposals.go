package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/adpilot-hq/adpilot/internal/proposal"
	"github.com/adpilot-hq/adpilot/internal/store"
)

// ProposalsHandler serves the human decision surface for semi-auto accounts.
type ProposalsHandler struct {
	Store  *store.Store
	Router *proposal.Router
}

func (h *ProposalsHandler) Register(g *echo.Group) {
	g.POST("/proposals/:id/approve", h.approve)
	g.POST("/proposals/:id/reject", h.reject)
	g.GET("/accounts/:id/proposals", h.listByAccount)
}

type approveRequest struct {
	// Indices selects a subset of the proposal's actions; empty approves all.
	Indices []int64 `json:"indices"`
}

type proposalResponse struct {
	ID              string                 `json:"id"`
	AccountID       string                 `json:"account_id"`
	JobID           string                 `json:"job_id,omitempty"`
	Status          string                 `json:"status"`
	Actions         []store.ProposedAction `json:"actions"`
	ExecutedIndices []int64                `json:"executed_indices,omitempty"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func toProposalResponse(p store.Proposal) proposalResponse {
	return proposalResponse{
		ID:              p.ID,
		AccountID:       p.AccountID,
		JobID:           p.JobID,
		Status:          p.Status,
		Actions:         p.Actions,
		ExecutedIndices: p.ExecutedIndices,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       p.CreatedAt,
	}
}

func (h *ProposalsHandler) approve(c echo.Context) error {
	id := c.Param("id")
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.Router.Approve(c.Request().Context(), id, req.Indices)
	if err != nil {
		if errors.Is(err, proposal.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "proposal is no longer pending")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, toProposalResponse(p))
}

func (h *ProposalsHandler) reject(c echo.Context) error {
	id := c.Param("id")
	if err := h.Router.Reject(c.Request().Context(), id); err != nil {
		if errors.Is(err, proposal.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "proposal is no longer pending")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": store.ProposalStatusRejected})
}

func (h *ProposalsHandler) listByAccount(c echo.Context) error {
	accountID := c.Param("id")
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	proposals, err := h.Store.ListProposalsByAccount(c.Request().Context(), accountID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]proposalResponse, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, toProposalResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}
