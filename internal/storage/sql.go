package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/renderexpo/studio-backend/internal/domain"
)

const (
	jobColumns = `job_id, job_type, parameters, inputs, status, cancel_requested, attempt,
		parent_job_id, worker_id, lease_expires_at, created_at, updated_at`
	stageColumns = `job_id, position, name, depends_on, status, failure, artifact, started_at, finished_at`
)

// SQLStore persists job records with sqlx. Queries use "?" placeholders and are
// rebound for the driver, so it runs on PostgreSQL (lib/pq or pgx) and SQLite (go-sqlite3).
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, rec *domain.JobRecord) error {
	row, err := newJobRow(rec)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO jobs (`+jobColumns+`) VALUES (
				:job_id, :job_type, :parameters, :inputs, :status, :cancel_requested, :attempt,
				:parent_job_id, :worker_id, :lease_expires_at, :created_at, :updated_at
			)`, row)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		for i, st := range rec.Stages {
			sr, err := newStageRow(rec.JobID, i, st)
			if err != nil {
				return err
			}
			_, err = tx.NamedExecContext(ctx, `
				INSERT INTO job_stages (`+stageColumns+`) VALUES (
					:job_id, :position, :name, :depends_on, :status, :failure, :artifact, :started_at, :finished_at
				)`, sr)
			if err != nil {
				return fmt.Errorf("failed to create stage %s: %w", st.Name, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return s.getRecord(ctx, s.db, jobID)
}

// List returns at most PageSize+1 records so the caller can tell whether a next page exists.
func (s *SQLStore) List(ctx context.Context, filter JobFilter) ([]*domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.JobType != "" {
		query += " AND job_type = ?"
		args = append(args, filter.JobType)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if from, to, ok := filter.createdRange(); ok {
		query += " AND created_at >= ? AND created_at < ?"
		args = append(args, from, to)
	}
	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND job_id < ?))"
		args = append(args, filter.Cursor.CreatedAt.UTC(), filter.Cursor.CreatedAt.UTC(), filter.Cursor.JobID)
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"
	if filter.PageSize > 0 {
		query += " LIMIT ?"
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.JobID
	}
	stageQuery, stageArgs, err := sqlx.In(`SELECT `+stageColumns+` FROM job_stages WHERE job_id IN (?) ORDER BY job_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build stage query: %w", err)
	}
	var stages []stageRow
	if err := sqlx.SelectContext(ctx, s.db, &stages, s.db.Rebind(stageQuery), stageArgs...); err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	byJob := make(map[string][]stageRow, len(rows))
	for _, st := range stages {
		byJob[st.JobID] = append(byJob[st.JobID], st)
	}

	out := make([]*domain.JobRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record(byJob[r.JobID])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) StartStage(ctx context.Context, jobID, stage string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.transition(ctx, tx, jobID, stage, domain.StagePending, domain.StageRunning,
			"started_at = ?", now.UTC()); err != nil {
			return err
		}
		return s.refreshJob(ctx, tx, jobID, now)
	})
}

func (s *SQLStore) CompleteStage(ctx context.Context, jobID, stage string, ref domain.ArtifactReference, now time.Time) error {
	artifact, err := nullJSON(ref)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.transition(ctx, tx, jobID, stage, domain.StageRunning, domain.StageSucceeded,
			"artifact = ?, finished_at = ?", artifact, now.UTC()); err != nil {
			return err
		}
		return s.refreshJob(ctx, tx, jobID, now)
	})
}

func (s *SQLStore) FailStage(ctx context.Context, jobID, stage string, failure domain.Failure, now time.Time) ([]string, error) {
	failJSON, err := nullJSON(failure)
	if err != nil {
		return nil, err
	}
	skipJSON, err := nullJSON(dependencyFailure(stage))
	if err != nil {
		return nil, err
	}

	var skipped []string
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		skipped = nil
		if err := s.transition(ctx, tx, jobID, stage, domain.StageRunning, domain.StageFailed,
			"failure = ?, finished_at = ?", failJSON, now.UTC()); err != nil {
			return err
		}

		rec, err := s.getRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		for _, name := range rec.Dependents(stage) {
			n, err := s.updateStage(ctx, tx, jobID, name, domain.StagePending, domain.StageSkipped,
				"failure = ?, finished_at = ?", skipJSON, now.UTC())
			if err != nil {
				return err
			}
			if n == 1 {
				skipped = append(skipped, name)
			}
		}
		return s.refreshJob(ctx, tx, jobID, now)
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

func (s *SQLStore) SkipPending(ctx context.Context, jobID string, failure domain.Failure, now time.Time) ([]string, error) {
	failJSON, err := nullJSON(failure)
	if err != nil {
		return nil, err
	}

	var skipped []string
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		skipped = nil
		rec, err := s.getRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		for _, name := range rec.StagesIn(domain.StagePending) {
			n, err := s.updateStage(ctx, tx, jobID, name, domain.StagePending, domain.StageSkipped,
				"failure = ?, finished_at = ?", failJSON, now.UTC())
			if err != nil {
				return err
			}
			if n == 1 {
				skipped = append(skipped, name)
			}
		}
		return s.refreshJob(ctx, tx, jobID, now)
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, jobID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET cancel_requested = ?, updated_at = ? WHERE job_id = ?`),
		true, now.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	return expectRow(result, domain.ErrJobNotFound)
}

// ClaimJob uses optimistic locking: the update only matches when the job is
// unclaimed, already ours, or its lease has expired.
func (s *SQLStore) ClaimJob(ctx context.Context, jobID, workerID string, now, until time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs
		SET worker_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE job_id = ?
		  AND (worker_id IS NULL OR worker_id = ? OR lease_expires_at IS NULL OR lease_expires_at < ?)`),
		workerID, until.UTC(), now.UTC(), jobID, workerID, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		s.logger.Warn("Failed to claim job - lease held by another worker",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
		return domain.ErrJobAlreadyClaimed
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	return nil
}

func (s *SQLStore) RenewLease(ctx context.Context, jobID, workerID string, until time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET lease_expires_at = ? WHERE job_id = ? AND worker_id = ?`),
		until.UTC(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return expectRow(result, domain.ErrJobAlreadyClaimed)
}

func (s *SQLStore) ReleaseJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE job_id = ? AND worker_id = ?`),
		now.UTC(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// transition applies a conditional stage update and reports
// *domain.InvalidTransitionError when the stage was not in state from.
func (s *SQLStore) transition(ctx context.Context, tx *sqlx.Tx, jobID, stage string, from, to domain.StageState, set string, args ...interface{}) error {
	n, err := s.updateStage(ctx, tx, jobID, stage, from, to, set, args...)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	rec, err := s.getRecord(ctx, tx, jobID)
	if err != nil {
		return err
	}
	return transitionError(rec, stage, to)
}

func (s *SQLStore) updateStage(ctx context.Context, tx *sqlx.Tx, jobID, stage string, from, to domain.StageState, set string, args ...interface{}) (int64, error) {
	query := tx.Rebind(`UPDATE job_stages SET status = ?, ` + set + ` WHERE job_id = ? AND name = ? AND status = ?`)
	all := append([]interface{}{string(to)}, args...)
	all = append(all, jobID, stage, string(from))

	result, err := tx.ExecContext(ctx, query, all...)
	if err != nil {
		return 0, fmt.Errorf("failed to update stage %s: %w", stage, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// refreshJob recomputes the overall status column used for filtering.
func (s *SQLStore) refreshJob(ctx context.Context, tx *sqlx.Tx, jobID string, now time.Time) error {
	rec, err := s.getRecord(ctx, tx, jobID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`),
		string(rec.Status()), now.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func (s *SQLStore) getRecord(ctx context.Context, q queryer, jobID string) (*domain.JobRecord, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var stages []stageRow
	err = sqlx.SelectContext(ctx, q, &stages,
		q.Rebind(`SELECT `+stageColumns+` FROM job_stages WHERE job_id = ? ORDER BY position`), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stages: %w", err)
	}
	return row.record(stages)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func expectRow(result sql.Result, notMatched error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notMatched
	}
	return nil
}
