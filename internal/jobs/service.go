package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderexpo/studio-backend/internal/artifact"
	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/storage"
)

// Uploads resolves caller supplied input files.
type Uploads interface {
	ResolveUpload(name string) (domain.ArtifactReference, error)
}

// MetaWriter persists the meta.json view of a job.
type MetaWriter interface {
	WriteMeta(ctx context.Context, rec *domain.JobRecord) error
}

// Service owns the job record contract: creation, snapshots and every stage transition.
type Service struct {
	repo    storage.Repository
	bounds  domain.Bounds
	uploads Uploads
	meta    MetaWriter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the service. uploads and meta may be nil; without uploads,
// requests naming an input_image are rejected.
func NewService(repo storage.Repository, bounds domain.Bounds, uploads Uploads, meta MetaWriter, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		bounds:  bounds.WithDefaults(),
		uploads: uploads,
		meta:    meta,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create validates req, persists a new pending job and returns its snapshot.
// A *domain.ValidationError means nothing was persisted.
func (s *Service) Create(ctx context.Context, req domain.Request) (*domain.JobRecord, error) {
	stages, params, err := s.bounds.Plan(req)
	if err != nil {
		return nil, err
	}

	var input *domain.ArtifactReference
	if name, ok := params.String(domain.ParamInputImage); ok {
		ref, err := s.resolveUpload(name)
		if err != nil {
			return nil, err
		}
		input = &ref
	}

	jobID, createdAt, err := artifact.NewJobID()
	if err != nil {
		return nil, err
	}
	rec := &domain.JobRecord{
		JobID:      jobID,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
		JobType:    req.JobType,
		Parameters: params,
		Stages:     stages,
		Attempt:    1,
	}
	if input != nil {
		input.JobID = jobID
		rec.Inputs = map[string]domain.ArtifactReference{string(domain.KindImage): *input}
	}

	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("Job created",
		slog.String("job_id", rec.JobID),
		slog.String("job_type", string(rec.JobType)),
		slog.Any("stages", rec.StageNames()),
	)
	return rec.Clone(), nil
}

// Read returns a snapshot of the job. It never waits for running stages.
func (s *Service) Read(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return s.repo.Get(ctx, jobID)
}

// List returns at most filter.PageSize+1 jobs, newest first.
func (s *Service) List(ctx context.Context, filter storage.JobFilter) ([]*domain.JobRecord, error) {
	return s.repo.List(ctx, filter)
}

// Cancel marks the job cancelled. The coordinator skips the remaining stages
// the next time it looks at the job. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	if err := s.repo.RequestCancel(ctx, jobID, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info("Job cancellation requested", slog.String("job_id", jobID))
	return s.repo.Get(ctx, jobID)
}

// Retry creates a new attempt of a finished job with the same request. The
// original record is left as it is.
func (s *Service) Retry(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	prev, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !prev.IsTerminal() {
		return nil, fmt.Errorf("cannot retry job %s: %w", jobID, domain.ErrJobNotTerminal)
	}

	var inputs map[string]domain.ArtifactReference
	if name, ok := prev.Parameters.String(domain.ParamInputImage); ok {
		ref, err := s.resolveUpload(name)
		if err != nil {
			return nil, err
		}
		inputs = map[string]domain.ArtifactReference{string(domain.KindImage): ref}
	}

	newID, createdAt, err := artifact.NewJobID()
	if err != nil {
		return nil, err
	}
	rec := &domain.JobRecord{
		JobID:       newID,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		JobType:     prev.JobType,
		Parameters:  prev.Parameters.Clone(),
		Attempt:     prev.Attempt + 1,
		ParentJobID: prev.JobID,
		Stages:      make([]domain.StageRecord, len(prev.Stages)),
	}
	for i, st := range prev.Stages {
		rec.Stages[i] = domain.StageRecord{
			Name:      st.Name,
			DependsOn: append([]string(nil), st.DependsOn...),
			Status:    domain.StagePending,
		}
	}
	for k, ref := range inputs {
		ref.JobID = newID
		if rec.Inputs == nil {
			rec.Inputs = make(map[string]domain.ArtifactReference)
		}
		rec.Inputs[k] = ref
	}

	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("Job retried",
		slog.String("job_id", rec.JobID),
		slog.String("parent_job_id", prev.JobID),
		slog.Int("attempt", rec.Attempt),
	)
	return rec.Clone(), nil
}

// StartStage claims a pending stage for execution.
func (s *Service) StartStage(ctx context.Context, jobID, stage string) error {
	if err := s.repo.StartStage(ctx, jobID, stage, s.now()); err != nil {
		return err
	}
	s.syncMeta(ctx, jobID)
	return nil
}

// RecordSuccess attaches the artifact of a running stage and marks it succeeded.
func (s *Service) RecordSuccess(ctx context.Context, jobID, stage string, ref domain.ArtifactReference) error {
	d, ok := domain.LookupStage(stage)
	if !ok {
		return &domain.InvalidTransitionError{JobID: jobID, Stage: stage, To: domain.StageSucceeded, Reason: "undeclared stage"}
	}
	if ref.ContentKind != d.ProducedOutput {
		return &domain.InvalidTransitionError{
			JobID:  jobID,
			Stage:  stage,
			To:     domain.StageSucceeded,
			Reason: fmt.Sprintf("artifact kind %s, stage produces %s", ref.ContentKind, d.ProducedOutput),
		}
	}
	if err := s.repo.CompleteStage(ctx, jobID, stage, ref, s.now()); err != nil {
		return err
	}
	s.syncMeta(ctx, jobID)
	return nil
}

// RecordFailure marks a running stage failed and skips its pending dependents.
// It returns the skipped stages.
func (s *Service) RecordFailure(ctx context.Context, jobID, stage string, failure domain.Failure) ([]string, error) {
	skipped, err := s.repo.FailStage(ctx, jobID, stage, failure, s.now())
	if err != nil {
		return nil, err
	}
	s.syncMeta(ctx, jobID)
	return skipped, nil
}

// SkipRemaining marks every pending stage of a cancelled job skipped.
func (s *Service) SkipRemaining(ctx context.Context, jobID string) ([]string, error) {
	skipped, err := s.repo.SkipPending(ctx, jobID, domain.Failure{
		Kind:   domain.FailureCancelled,
		Reason: "job cancelled before the stage started",
	}, s.now())
	if err != nil {
		return nil, err
	}
	s.syncMeta(ctx, jobID)
	return skipped, nil
}

// Abandon skips every pending stage of a job no worker will pick up, so the
// job becomes terminal and can be retried.
func (s *Service) Abandon(ctx context.Context, jobID, reason string) (*domain.JobRecord, error) {
	skipped, err := s.repo.SkipPending(ctx, jobID, domain.Failure{
		Kind:      domain.FailureInternal,
		Reason:    reason,
		Retryable: true,
	}, s.now())
	if err != nil {
		return nil, err
	}
	s.syncMeta(ctx, jobID)
	s.logger.Warn("Job abandoned",
		slog.String("job_id", jobID),
		slog.Any("skipped", skipped),
		slog.String("reason", reason),
	)
	return s.repo.Get(ctx, jobID)
}

// Claim takes the job-level lease for workerID and fails every stage a previous
// holder left running. It returns the snapshot after recovery.
func (s *Service) Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (*domain.JobRecord, error) {
	now := s.now()
	if err := s.repo.ClaimJob(ctx, jobID, workerID, now, now.Add(ttl)); err != nil {
		return nil, err
	}

	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	interrupted := rec.StagesIn(domain.StageRunning)
	for _, stage := range interrupted {
		s.logger.Warn("Failing stage interrupted by a previous worker",
			slog.String("job_id", jobID),
			slog.String("stage", stage),
			slog.String("worker_id", workerID),
		)
		if _, err := s.RecordFailure(ctx, jobID, stage, domain.Failure{
			Kind:      domain.FailureInterrupted,
			Reason:    "worker stopped while the stage was running",
			Retryable: true,
		}); err != nil {
			return nil, err
		}
	}
	if len(interrupted) == 0 {
		return rec, nil
	}
	return s.repo.Get(ctx, jobID)
}

// RenewLease extends the job-level lease held by workerID.
func (s *Service) RenewLease(ctx context.Context, jobID, workerID string, ttl time.Duration) error {
	return s.repo.RenewLease(ctx, jobID, workerID, s.now().Add(ttl))
}

// Release gives up the job-level lease held by workerID.
func (s *Service) Release(ctx context.Context, jobID, workerID string) error {
	return s.repo.ReleaseJob(ctx, jobID, workerID, s.now())
}

func (s *Service) resolveUpload(name string) (domain.ArtifactReference, error) {
	if s.uploads == nil {
		return domain.ArtifactReference{}, domain.NewValidationError(domain.ParamInputImage, "input images are not accepted by this deployment")
	}
	return s.uploads.ResolveUpload(name)
}

func (s *Service) persist(ctx context.Context, rec *domain.JobRecord) error {
	if err := s.repo.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	s.writeMeta(ctx, rec)
	return nil
}

// syncMeta rewrites meta.json from the stored record. The stored record is
// authoritative, so failures are logged and not returned.
func (s *Service) syncMeta(ctx context.Context, jobID string) {
	if s.meta == nil {
		return
	}
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("Failed to load job for meta.json",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.writeMeta(ctx, rec)
}

func (s *Service) writeMeta(ctx context.Context, rec *domain.JobRecord) {
	if s.meta == nil {
		return
	}
	if err := s.meta.WriteMeta(ctx, rec); err != nil {
		s.logger.Warn("Failed to write meta.json",
			slog.String("job_id", rec.JobID),
			slog.String("error", err.Error()),
		)
	}
}
