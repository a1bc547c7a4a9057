package storage

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/renderexpo/studio-backend/internal/domain"
)

// CachedRepository serves reads of terminal jobs from an LRU cache. Terminal
// records only change through cancellation flags and lease bookkeeping, and every
// write through this repository evicts the job before and after it reaches the
// store, so a read racing the write cannot cache the old snapshot.
type CachedRepository struct {
	Repository
	cache *lru.Cache[string, *domain.JobRecord]
}

func NewCachedRepository(inner Repository, size int) (*CachedRepository, error) {
	cache, err := lru.New[string, *domain.JobRecord](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &CachedRepository{Repository: inner, cache: cache}, nil
}

func (r *CachedRepository) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	if rec, ok := r.cache.Get(jobID); ok {
		return rec.Clone(), nil
	}
	rec, err := r.Repository.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		r.cache.Add(jobID, rec.Clone())
	}
	return rec, nil
}

func (r *CachedRepository) StartStage(ctx context.Context, jobID, stage string, now time.Time) error {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.StartStage(ctx, jobID, stage, now)
}

func (r *CachedRepository) CompleteStage(ctx context.Context, jobID, stage string, ref domain.ArtifactReference, now time.Time) error {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.CompleteStage(ctx, jobID, stage, ref, now)
}

func (r *CachedRepository) FailStage(ctx context.Context, jobID, stage string, failure domain.Failure, now time.Time) ([]string, error) {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.FailStage(ctx, jobID, stage, failure, now)
}

func (r *CachedRepository) SkipPending(ctx context.Context, jobID string, failure domain.Failure, now time.Time) ([]string, error) {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.SkipPending(ctx, jobID, failure, now)
}

func (r *CachedRepository) RequestCancel(ctx context.Context, jobID string, now time.Time) error {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.RequestCancel(ctx, jobID, now)
}

func (r *CachedRepository) ClaimJob(ctx context.Context, jobID, workerID string, now, until time.Time) error {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.ClaimJob(ctx, jobID, workerID, now, until)
}

func (r *CachedRepository) RenewLease(ctx context.Context, jobID, workerID string, until time.Time) error {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.RenewLease(ctx, jobID, workerID, until)
}

func (r *CachedRepository) ReleaseJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	r.cache.Remove(jobID)
	defer r.cache.Remove(jobID)
	return r.Repository.ReleaseJob(ctx, jobID, workerID, now)
}

// Len reports the number of cached snapshots.
func (r *CachedRepository) Len() int {
	return r.cache.Len()
}
