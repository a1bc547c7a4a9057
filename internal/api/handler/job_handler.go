package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/renderexpo/studio-backend/internal/api/dto"
	"github.com/renderexpo/studio-backend/internal/artifact"
	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// Same day format as the outputs/{date} folders.
	listDateLayout = "2006-01-02"
)

// CreateJob handles POST /api/v1/jobs
// Validates the request, persists a pending job and enqueues it for a GPU worker
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	rec, err := h.jobs.Create(c.Request.Context(), domain.Request{
		JobType:    domain.JobType(req.JobType),
		Stages:     req.Stages,
		Parameters: domain.Parameters(req.Parameters),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.enqueue(c, rec)
}

// enqueue publishes rec and writes the 202 response.
func (h *JobHandler) enqueue(c *gin.Context, rec *domain.JobRecord) {
	if err := h.publisher.PublishJob(c.Request.Context(), rec.JobID); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", rec.JobID),
			slog.String("error", err.Error()),
		)
		// No worker will see the job; finish it so it can be retried later.
		if _, abandonErr := h.jobs.Abandon(c.Request.Context(), rec.JobID, "job could not be queued: "+err.Error()); abandonErr != nil {
			h.logger.Error("Failed to abandon unqueued job",
				slog.String("job_id", rec.JobID),
				slog.String("error", abandonErr.Error()),
			)
		}
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "Job created but could not be queued", JobID: rec.JobID})
		return
	}
	c.JSON(http.StatusAccepted, dto.NewJobDTO(rec))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current snapshot without waiting for running stages
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	rec, err := h.jobs.Read(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(rec))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with keyset pagination, optionally for one UTC day
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	var date time.Time
	if req.Date != "" {
		date, err = time.Parse(listDateLayout, req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid date, want YYYY-MM-DD"})
			return
		}
	}

	jobs, err := h.jobs.List(c.Request.Context(), storage.JobFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		Date:     date,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	// The store returns one extra record when another page exists
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, rec := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(rec)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Pending stages are skipped; a running stage finishes first
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	rec, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(rec))
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Creates and enqueues a new attempt of a finished job
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	rec, err := h.jobs.Retry(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.enqueue(c, rec)
}

// GetArtifact handles GET /api/v1/jobs/:job_id/artifacts/:stage
// Serves the artifact file of a succeeded stage
func (h *JobHandler) GetArtifact(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	stage := c.Param("stage")

	rec, err := h.jobs.Read(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	st := rec.Stage(stage)
	if st == nil || st.Artifact == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Artifact not found", JobID: jobID})
		return
	}

	path, err := h.artifacts.Path(*st.Artifact)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Type", artifact.ContentType(st.Artifact.ContentKind))
	c.File(path)
}

// ListStages handles GET /api/v1/stages
// Returns the static stage catalog
func (h *JobHandler) ListStages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stages": domain.Stages()})
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}
