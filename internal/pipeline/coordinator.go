package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/runner"
)

// recordTimeout bounds the bookkeeping done after the caller's context is gone.
const recordTimeout = 10 * time.Second

// Jobs is the job record contract the coordinator drives.
type Jobs interface {
	Read(ctx context.Context, jobID string) (*domain.JobRecord, error)
	StartStage(ctx context.Context, jobID, stage string) error
	RecordSuccess(ctx context.Context, jobID, stage string, ref domain.ArtifactReference) error
	RecordFailure(ctx context.Context, jobID, stage string, failure domain.Failure) ([]string, error)
	SkipRemaining(ctx context.Context, jobID string) ([]string, error)
}

// Coordinator runs the stages of one job in dependency order until every stage
// is terminal. Stage errors are recorded on the job and never returned; only
// failures to read or write the job itself are.
type Coordinator struct {
	jobs         Jobs
	runners      runner.Registry
	stageTimeout time.Duration
	logger       *slog.Logger
}

func NewCoordinator(jobs Jobs, runners runner.Registry, stageTimeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		jobs:         jobs,
		runners:      runners,
		stageTimeout: stageTimeout,
		logger:       logger,
	}
}

// ErrStalled means pending stages remain but none can become ready.
var ErrStalled = errors.New("job has pending stages that can never run")

// Run drives the job to completion and returns its final snapshot. Cancellation
// is checked before every stage.
func (c *Coordinator) Run(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	for {
		rec, err := c.jobs.Read(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to read job: %w", err)
		}
		if rec.IsTerminal() {
			c.logger.Info("Job finished",
				slog.String("job_id", jobID),
				slog.String("status", string(rec.Status())),
				slog.Any("failed_stages", rec.StagesIn(domain.StageFailed)),
				slog.Any("skipped_stages", rec.StagesIn(domain.StageSkipped)),
			)
			return rec, nil
		}

		if rec.CancelRequested {
			skipped, err := c.jobs.SkipRemaining(ctx, jobID)
			if err != nil {
				return nil, fmt.Errorf("failed to skip cancelled stages: %w", err)
			}
			c.logger.Info("Job cancelled",
				slog.String("job_id", jobID),
				slog.Any("skipped_stages", skipped),
			)
			if len(skipped) == 0 {
				return rec, fmt.Errorf("job %s: %w", jobID, ErrStalled)
			}
			continue
		}

		stage, ok := nextStage(rec)
		if !ok {
			return rec, fmt.Errorf("job %s: %w", jobID, ErrStalled)
		}
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		if err := c.runStage(ctx, rec, stage); err != nil {
			return nil, err
		}
	}
}

// nextStage returns the first pending stage, in request order, whose inputs all succeeded.
func nextStage(rec *domain.JobRecord) (string, bool) {
	for _, st := range rec.Stages {
		if st.Status != domain.StagePending {
			continue
		}
		ready := true
		for _, dep := range st.DependsOn {
			if d := rec.Stage(dep); d == nil || d.Status != domain.StageSucceeded {
				ready = false
				break
			}
		}
		if ready {
			return st.Name, true
		}
	}
	return "", false
}

func (c *Coordinator) runStage(ctx context.Context, rec *domain.JobRecord, stage string) error {
	logger := c.logger.With(slog.String("job_id", rec.JobID), slog.String("stage", stage))

	if err := c.jobs.StartStage(ctx, rec.JobID, stage); err != nil {
		return fmt.Errorf("failed to start stage %s: %w", stage, err)
	}
	logger.Info("Stage started")
	start := time.Now()

	ref, runErr := c.execute(ctx, rec, stage)

	// The outcome is recorded even when ctx was cancelled during the run, so
	// the stage is not left running.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if runErr != nil && ctx.Err() != nil {
		_, err := c.jobs.RecordFailure(recordCtx, rec.JobID, stage, domain.Failure{
			Kind:      domain.FailureInterrupted,
			Reason:    runErr.Error(),
			Retryable: true,
		})
		if err != nil {
			logger.Error("Failed to record interrupted stage", slog.String("error", err.Error()))
		}
		return ctx.Err()
	}

	if runErr == nil {
		err := c.jobs.RecordSuccess(recordCtx, rec.JobID, stage, ref)
		var terr *domain.InvalidTransitionError
		switch {
		case err == nil:
			logger.Info("Stage succeeded",
				slog.String("artifact", ref.RelativePath),
				slog.Duration("duration", time.Since(start)),
			)
			return nil
		case errors.As(err, &terr) && terr.From == "":
			// The artifact was rejected, the stage is still running.
			runErr = err
		default:
			return fmt.Errorf("failed to record success of stage %s: %w", stage, err)
		}
	}

	failure := domain.FailureFromError(runErr)
	skipped, err := c.jobs.RecordFailure(recordCtx, rec.JobID, stage, failure)
	if err != nil {
		return fmt.Errorf("failed to record failure of stage %s: %w", stage, err)
	}
	logger.Warn("Stage failed",
		slog.String("failure_kind", string(failure.Kind)),
		slog.String("reason", failure.Reason),
		slog.Any("skipped_stages", skipped),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (c *Coordinator) execute(ctx context.Context, rec *domain.JobRecord, stage string) (domain.ArtifactReference, error) {
	r, err := c.runners.For(stage)
	if err != nil {
		return domain.ArtifactReference{}, err
	}
	inputs, err := rec.ResolveInputs(stage)
	if err != nil {
		return domain.ArtifactReference{}, err
	}

	stageCtx := ctx
	if c.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()
	}

	ref, err := r.Run(stageCtx, runner.Task{
		JobID:      rec.JobID,
		Stage:      stage,
		Inputs:     inputs,
		Parameters: rec.Parameters,
	})
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrDeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", domain.ErrDeadlineExceeded, c.stageTimeout, err)
	}
	return ref, err
}
