package dto

import (
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
)

type CreateJobRequest struct {
	JobType    string         `json:"job_type" binding:"required"`
	Stages     []string       `json:"stages"`
	Parameters map[string]any `json:"parameters"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	Date     string `form:"date"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ErrorResponse struct {
	Error   string              `json:"error"`
	JobID   string              `json:"job_id,omitempty"`
	Details []domain.FieldError `json:"details,omitempty"`
}

type StageDTO struct {
	Name       string                    `json:"name"`
	Status     domain.StageState         `json:"status"`
	DependsOn  []string                  `json:"depends_on,omitempty"`
	Failure    *domain.Failure           `json:"failure,omitempty"`
	Artifact   *domain.ArtifactReference `json:"artifact,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
}

// JobDTO is the snapshot returned to callers. It never waits for running stages.
type JobDTO struct {
	JobID           string                              `json:"job_id"`
	JobType         domain.JobType                      `json:"job_type"`
	Status          domain.JobStatus                    `json:"status"`
	Attempt         int                                 `json:"attempt"`
	ParentJobID     string                              `json:"parent_job_id,omitempty"`
	CancelRequested bool                                `json:"cancel_requested"`
	Parameters      domain.Parameters                   `json:"parameters"`
	Stages          []StageDTO                          `json:"stages"`
	Artifacts       map[string]domain.ArtifactReference `json:"artifacts"`
	FailedStages    []string                            `json:"failed_stages"`
	SkippedStages   []string                            `json:"skipped_stages"`
	SafetyFlagged   bool                                `json:"safety_flagged"`
	CreatedAt       string                              `json:"created_at"`
	UpdatedAt       string                              `json:"updated_at"`
}

// NewJobDTO builds the response view of rec.
func NewJobDTO(rec *domain.JobRecord) JobDTO {
	stages := make([]StageDTO, len(rec.Stages))
	for i, st := range rec.Stages {
		stages[i] = StageDTO{
			Name:       st.Name,
			Status:     st.Status,
			DependsOn:  st.DependsOn,
			Failure:    st.Failure,
			Artifact:   st.Artifact,
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
		}
	}
	failed := rec.StagesIn(domain.StageFailed)
	if failed == nil {
		failed = []string{}
	}
	skipped := rec.StagesIn(domain.StageSkipped)
	if skipped == nil {
		skipped = []string{}
	}
	return JobDTO{
		JobID:           rec.JobID,
		JobType:         rec.JobType,
		Status:          rec.Status(),
		Attempt:         rec.Attempt,
		ParentJobID:     rec.ParentJobID,
		CancelRequested: rec.CancelRequested,
		Parameters:      rec.Parameters,
		Stages:          stages,
		Artifacts:       rec.Artifacts(),
		FailedStages:    failed,
		SkippedStages:   skipped,
		SafetyFlagged:   rec.SafetyFlagged(),
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       rec.UpdatedAt.Format(time.RFC3339Nano),
	}
}
