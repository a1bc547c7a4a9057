package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// MemoryStore keeps job records in process memory. It backs single-process
// deployments and tests; records are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.JobRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.JobRecord)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[rec.JobID]; exists {
		return fmt.Errorf("failed to create job: job %s already exists", rec.JobID)
	}
	s.jobs[rec.JobID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return rec.Clone(), nil
}

// List returns at most PageSize+1 records so the caller can tell whether a next page exists.
func (s *MemoryStore) List(ctx context.Context, filter JobFilter) ([]*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to, byDate := filter.createdRange()
	var out []*domain.JobRecord
	for _, rec := range s.jobs {
		if byDate && (rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to)) {
			continue
		}
		if filter.JobType != "" && string(rec.JobType) != filter.JobType {
			continue
		}
		if filter.Status != "" && string(rec.Status()) != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if !rec.CreatedAt.Before(c.CreatedAt) && !(rec.CreatedAt.Equal(c.CreatedAt) && rec.JobID < c.JobID) {
				continue
			}
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID > out[j].JobID
	})
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *MemoryStore) StartStage(ctx context.Context, jobID, stage string, now time.Time) error {
	return s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		st := rec.Stage(stage)
		if st == nil || st.Status != domain.StagePending {
			return transitionError(rec, stage, domain.StageRunning)
		}
		st.Status = domain.StageRunning
		st.StartedAt = &now
		return nil
	})
}

func (s *MemoryStore) CompleteStage(ctx context.Context, jobID, stage string, ref domain.ArtifactReference, now time.Time) error {
	return s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		st := rec.Stage(stage)
		if st == nil || st.Status != domain.StageRunning {
			return transitionError(rec, stage, domain.StageSucceeded)
		}
		st.Status = domain.StageSucceeded
		st.Artifact = &ref
		st.FinishedAt = &now
		return nil
	})
}

func (s *MemoryStore) FailStage(ctx context.Context, jobID, stage string, failure domain.Failure, now time.Time) ([]string, error) {
	var skipped []string
	err := s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		st := rec.Stage(stage)
		if st == nil || st.Status != domain.StageRunning {
			return transitionError(rec, stage, domain.StageFailed)
		}
		st.Status = domain.StageFailed
		st.Failure = &failure
		st.FinishedAt = &now

		skipFailure := dependencyFailure(stage)
		for _, name := range rec.Dependents(stage) {
			dep := rec.Stage(name)
			if dep.Status != domain.StagePending {
				continue
			}
			f := skipFailure
			dep.Status = domain.StageSkipped
			dep.Failure = &f
			dep.FinishedAt = &now
			skipped = append(skipped, name)
		}
		return nil
	})
	return skipped, err
}

func (s *MemoryStore) SkipPending(ctx context.Context, jobID string, failure domain.Failure, now time.Time) ([]string, error) {
	var skipped []string
	err := s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		for i := range rec.Stages {
			st := &rec.Stages[i]
			if st.Status != domain.StagePending {
				continue
			}
			f := failure
			st.Status = domain.StageSkipped
			st.Failure = &f
			st.FinishedAt = &now
			skipped = append(skipped, st.Name)
		}
		return nil
	})
	return skipped, err
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string, now time.Time) error {
	return s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		rec.CancelRequested = true
		return nil
	})
}

func (s *MemoryStore) ClaimJob(ctx context.Context, jobID, workerID string, now, until time.Time) error {
	return s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		if rec.WorkerID != "" && rec.WorkerID != workerID &&
			rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.Before(now) {
			return domain.ErrJobAlreadyClaimed
		}
		rec.WorkerID = workerID
		rec.LeaseExpiresAt = &until
		return nil
	})
}

func (s *MemoryStore) RenewLease(ctx context.Context, jobID, workerID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if rec.WorkerID != workerID {
		return domain.ErrJobAlreadyClaimed
	}
	rec.LeaseExpiresAt = &until
	return nil
}

func (s *MemoryStore) ReleaseJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	return s.mutate(jobID, now, func(rec *domain.JobRecord) error {
		if rec.WorkerID != workerID {
			return nil
		}
		rec.WorkerID = ""
		rec.LeaseExpiresAt = nil
		return nil
	})
}

// mutate applies fn to the stored record under the write lock. Nothing is
// changed when fn returns an error.
func (s *MemoryStore) mutate(jobID string, now time.Time, fn func(rec *domain.JobRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	next := rec.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = now
	s.jobs[jobID] = next
	return nil
}
