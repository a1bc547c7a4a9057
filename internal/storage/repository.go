package storage

import (
	"context"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// Repository persists job records. Every stage mutation is a conditional update:
// it applies only if the stage is in the expected state, and reports
// *domain.InvalidTransitionError otherwise.
type Repository interface {
	Create(ctx context.Context, rec *domain.JobRecord) error
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	List(ctx context.Context, filter JobFilter) ([]*domain.JobRecord, error)

	// StartStage moves a stage from pending to running.
	StartStage(ctx context.Context, jobID, stage string, now time.Time) error
	// CompleteStage moves a stage from running to succeeded and attaches its artifact.
	CompleteStage(ctx context.Context, jobID, stage string, ref domain.ArtifactReference, now time.Time) error
	// FailStage moves a stage from running to failed and skips every pending stage
	// that transitively depends on it. It returns the skipped stage names.
	FailStage(ctx context.Context, jobID, stage string, failure domain.Failure, now time.Time) ([]string, error)
	// SkipPending moves every pending stage of the job to skipped.
	SkipPending(ctx context.Context, jobID string, failure domain.Failure, now time.Time) ([]string, error)

	RequestCancel(ctx context.Context, jobID string, now time.Time) error

	// ClaimJob takes the job-level lease unless another worker holds a live one.
	ClaimJob(ctx context.Context, jobID, workerID string, now, until time.Time) error
	RenewLease(ctx context.Context, jobID, workerID string, until time.Time) error
	ReleaseJob(ctx context.Context, jobID, workerID string, now time.Time) error
}

// JobFilter selects jobs for listing. Results are ordered newest first.
type JobFilter struct {
	JobType string
	Status  string
	// Date restricts the listing to jobs created on that UTC day. Zero means any day.
	Date     time.Time
	PageSize int
	Cursor   *JobCursor
}

// createdRange returns the half-open creation interval selected by Date.
func (f JobFilter) createdRange() (from, to time.Time, ok bool) {
	if f.Date.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	d := f.Date.UTC()
	from = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1), true
}

// JobCursor is the keyset position after which the next page starts.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func dependencyFailure(stage string) domain.Failure {
	return domain.Failure{
		Kind:   domain.FailureDependency,
		Reason: "input stage " + stage + " did not succeed",
	}
}

// transitionError builds the error for a conditional update that matched no stage.
func transitionError(rec *domain.JobRecord, stage string, to domain.StageState) error {
	s := rec.Stage(stage)
	if s == nil {
		return &domain.InvalidTransitionError{JobID: rec.JobID, Stage: stage, To: to, Reason: "stage not requested by job"}
	}
	return &domain.InvalidTransitionError{JobID: rec.JobID, Stage: stage, From: s.Status, To: to}
}
