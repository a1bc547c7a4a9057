package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// processJob claims the job, keeps its lease alive and drives it to a terminal
// state. A nil error means the message can be acknowledged.
func (w *Worker) processJob(ctx context.Context, jobID string) error {
	logger := w.logger.With(slog.String("job_id", jobID), slog.String("worker_id", w.workerID))

	// A redelivery of a job this process is running would reclaim our own
	// lease and fail the live stage as interrupted.
	if !w.beginJob(jobID) {
		logger.Info("Duplicate delivery for job in progress, acknowledging")
		return nil
	}
	defer w.finishJob(jobID)

	rec, err := w.jobs.Claim(ctx, jobID, w.workerID, w.leaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) || errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("Skipping job", slog.String("reason", err.Error()))
			return fmt.Errorf("failed to claim job: %w", err)
		}
		// Database error - could be transient
		return NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}
	defer w.release(ctx, jobID, logger)

	if rec.IsTerminal() {
		logger.Info("Job already finished, nothing to do", slog.String("status", string(rec.Status())))
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.sendLeaseHeartbeat(jobCtx, jobID, cancel, leaseLost, heartbeatDone)
	defer close(heartbeatDone)

	final, err := w.coordinator.Run(jobCtx, jobID)
	if err != nil {
		select {
		case <-leaseLost:
			return fmt.Errorf("lease lost while running job: %w", domain.ErrJobAlreadyClaimed)
		default:
		}
		if ctx.Err() != nil {
			return NewRetryableError(fmt.Errorf("worker stopped while running job: %w", err))
		}
		var terr *domain.InvalidTransitionError
		if errors.As(err, &terr) {
			// Another process moved the job on; nothing left for this delivery.
			return fmt.Errorf("job changed underneath the worker: %w", err)
		}
		return NewRetryableError(err)
	}

	logger.Info("Job completed",
		slog.String("status", string(final.Status())),
		slog.Int("attempt", final.Attempt),
	)
	return nil
}

// release gives up the lease, even when ctx is already canceled.
func (w *Worker) release(ctx context.Context, jobID string, logger *slog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := w.jobs.Release(releaseCtx, jobID, w.workerID); err != nil && !errors.Is(err, domain.ErrJobAlreadyClaimed) {
		logger.Warn("Failed to release job lease", slog.String("error", err.Error()))
	}
}

// sendLeaseHeartbeat renews the job lease until done is closed. Losing the
// lease to another worker cancels the job.
func (w *Worker) sendLeaseHeartbeat(ctx context.Context, jobID string, cancelJob context.CancelFunc, leaseLost chan<- struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.jobs.RenewLease(ctx, jobID, w.workerID, w.leaseTTL)
			switch {
			case err == nil:
				w.logger.Debug("Job lease renewed", slog.String("job_id", jobID))
			case errors.Is(err, domain.ErrJobAlreadyClaimed):
				w.logger.Error("Job lease lost, abandoning job",
					slog.String("job_id", jobID),
					slog.String("worker_id", w.workerID),
				)
				close(leaseLost)
				cancelJob()
				return
			default:
				w.logger.Warn("Failed to renew job lease",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
