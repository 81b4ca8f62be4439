package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/harborview/inspection-be/internal/api/dto"
	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/jobstore"
	"github.com/harborview/inspection-be/internal/photoproc"
)

// AnalyzeInspection handles POST /api/v1/inspections/:inspection_id/analyze.
// It creates a job record and admits it through the backpressure gate. On
// saturation the job stays pending and the caller gets a retryable 503.
func (h *JobHandler) AnalyzeInspection(c *gin.Context) {
	inspectionID := c.Param("inspection_id")

	var req dto.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	payload, err := json.Marshal(photoproc.Payload{
		PhotoIDs: req.PhotoIDs,
		Mode:     req.Mode,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to encode job payload",
		})
		return
	}

	j, err := h.jobs.Create(c.Request.Context(), jobstore.CreateSpec{
		InspectionID:   inspectionID,
		OrganizationID: req.OrganizationID,
		Type:           job.TypePhotoAnalysis,
		Payload:        payload,
		TotalUnits:     len(req.PhotoIDs),
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.gate.Enqueue(c.Request.Context(), j, req.Priority); err != nil {
		if errors.Is(err, job.ErrSaturated) {
			c.Header("Retry-After", "30")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "Queue is saturated, retry later",
				"job_id": j.ID,
			})
			return
		}
		if errors.Is(err, job.ErrInvalidTransition) {
			// Cancelled between create and admission.
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Job is no longer pending",
				"job_id": j.ID,
			})
			return
		}
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "Failed to enqueue job",
			"job_id": j.ID,
		})
		return
	}

	// Re-read so the response reflects the queued transition.
	if queued, err := h.jobs.Get(c.Request.Context(), j.ID); err == nil {
		j = queued
	}

	c.JSON(http.StatusAccepted, toJobDTO(j))
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs with filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), jobstore.Filter{
		InspectionID:   req.InspectionID,
		OrganizationID: req.OrganizationID,
		Status:         req.Status,
		PageSize:       req.PageSize,
		Cursor:         cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	out := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		out[i] = *toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&jobstore.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       out,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. Cancellation is a
// terminal status write; an already-running handler does not observe it
// mid-execution.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.jobs.MarkCancelled(c.Request.Context(), jobID, "Cancelled by user")
	if err != nil {
		if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job not found or already in a terminal state",
			})
			return
		}
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// QueueStats handles GET /api/v1/queue/stats - the operator-facing view of
// broker depth and connectivity.
func (h *JobHandler) QueueStats(c *gin.Context) {
	depth, err := h.broker.Depth(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue depth", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Broker unavailable",
		})
		return
	}

	healthy := h.broker.Health(c.Request.Context()) == nil

	c.JSON(http.StatusOK, gin.H{
		"waiting": depth.Pending,
		"active":  depth.InFlight,
		"healthy": healthy,
	})
}

// StreamEvents handles GET /api/v1/inspections/:inspection_id/events - an
// SSE stream of the inspection's job events. Clients must fetch current
// state on connect; there is no replay.
func (h *JobHandler) StreamEvents(c *gin.Context) {
	inspectionID := c.Param("inspection_id")

	ch := h.hub.Join(inspectionID)
	defer h.hub.Leave(inspectionID, ch)

	h.logger.Info("Client subscribed to inspection events",
		slog.String("inspection_id", inspectionID),
	)

	c.Stream(func(w io.Writer) bool {
		select {
		case env, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(env.Event, string(env.Payload))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func toJobDTO(j *job.Job) *dto.JobDTO {
	out := &dto.JobDTO{
		JobID:          j.ID,
		InspectionID:   j.InspectionID,
		OrganizationID: j.OrganizationID,
		JobType:        j.Type,
		Status:         j.Status,
		Progress:       j.Progress,
		ProcessedUnits: j.ProcessedUnits,
		TotalUnits:     j.TotalUnits,
		Attempts:       j.Attempts,
		LastError:      j.LastError,
		Events:         j.Events,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
	}
	if len(j.Result) > 0 {
		var result interface{}
		if err := json.Unmarshal(j.Result, &result); err == nil {
			out.Result = result
		}
	}
	if j.StartedAt != nil {
		out.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		out.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return out
}
