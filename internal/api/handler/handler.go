package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/renderexpo/studio-backend/internal/api/dto"
	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/storage"
)

// JobService is the job record contract used by the control plane.
type JobService interface {
	Create(ctx context.Context, req domain.Request) (*domain.JobRecord, error)
	Read(ctx context.Context, jobID string) (*domain.JobRecord, error)
	List(ctx context.Context, filter storage.JobFilter) ([]*domain.JobRecord, error)
	Cancel(ctx context.Context, jobID string) (*domain.JobRecord, error)
	Retry(ctx context.Context, jobID string) (*domain.JobRecord, error)
	Abandon(ctx context.Context, jobID, reason string) (*domain.JobRecord, error)
}

// Publisher hands new jobs to the GPU workers.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// ArtifactFiles resolves artifact references to local files.
type ArtifactFiles interface {
	Path(ref domain.ArtifactReference) (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Jobs        JobService
	Publisher   Publisher
	Artifacts   ArtifactFiles
	// HealthChecks are run by GET /health, keyed by component name.
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	jobs      JobService
	publisher Publisher
	artifacts ArtifactFiles
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		jobs:      deps.Jobs,
		publisher: deps.Publisher,
		artifacts: deps.Artifacts,
	}
}

// writeError maps domain errors to HTTP statuses.
func (h *JobHandler) writeError(c *gin.Context, err error) {
	var (
		verr *domain.ValidationError
		terr *domain.InvalidTransitionError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid job request", Details: verr.Problems})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
	case errors.Is(err, domain.ErrJobNotTerminal), errors.As(err, &terr):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Internal server error"})
	}
}
