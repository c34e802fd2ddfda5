package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wholesync/src/infrastructure/job"
	"wholesync/src/jobctrl"
)

type EnqueueJobRequest struct {
	Type   job.Type `json:"type" binding:"required"`
	Scope  string   `json:"scope,omitempty"`
	ItemID string   `json:"item_id,omitempty"`
}

type EnqueueJobResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

type JobResponse struct {
	Job  *job.Job       `json:"job"`
	Logs []job.LogEntry `json:"logs"`
}

// EnqueueJob godoc
// @Summary Start a sync, apply or price reference job for an account
// @Tags jobs
// @Accept json
// @Produce json
// @Param accountId path string true "Account ID"
// @Param request body EnqueueJobRequest true "Job type and params"
// @Success 202 {object} EnqueueJobResponse
// @Success 200 {object} EnqueueJobResponse "an active job already exists"
// @Failure 400 {object} ErrorResponse
// @Router /accounts/{accountId}/jobs [post]
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if !req.Type.Valid() {
		sendError(c, http.StatusBadRequest, fmt.Errorf("%w: %s", job.ErrUnknownJobType, req.Type))
		return
	}

	var params json.RawMessage
	if req.Type == job.TypeRefreshPriceReferences {
		p := jobctrl.PriceReferenceParams{Scope: req.Scope, ItemID: req.ItemID}
		if err := p.Validate(); err != nil {
			sendError(c, http.StatusBadRequest, fmt.Errorf("%w: %v", errInvalidRequest, err))
			return
		}
		raw, err := json.Marshal(p)
		if err != nil {
			sendError(c, http.StatusInternalServerError, err)
			return
		}
		params = raw
	}

	j, err := h.jobs.EnqueueJob(c.Request.Context(), c.Param("accountId"), req.Type, params)
	if errors.Is(err, job.ErrActiveJobExists) {
		sendJSON(c, http.StatusOK, EnqueueJobResponse{
			JobID:   j.ID,
			Message: "a job of this type is already running for the account",
		})
		return
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	sendJSON(c, http.StatusAccepted, EnqueueJobResponse{JobID: j.ID})
}

// GetJob godoc
// @Summary Get a job with its most recent log entries
// @Tags jobs
// @Produce json
// @Param jobId path string true "Job ID"
// @Param logs query int false "Number of log entries, newest first; 0 returns none"
// @Success 200 {object} JobResponse
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{jobId} [get]
func (h *Handler) GetJob(c *gin.Context) {
	limit := job.DefaultLogLimit
	if raw := c.Query("logs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, fmt.Errorf("%w: logs must be a non-negative integer", errInvalidRequest))
			return
		}
		limit = n
	}

	var (
		j    *job.Job
		logs []job.LogEntry
		err  error
	)
	if limit == 0 {
		j, err = h.jobs.Get(c.Request.Context(), c.Param("jobId"))
	} else {
		j, logs, err = h.jobs.GetWithRecentLogs(c.Request.Context(), c.Param("jobId"), limit)
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if logs == nil {
		logs = []job.LogEntry{}
	}
	sendJSON(c, http.StatusOK, JobResponse{Job: j, Logs: logs})
}
