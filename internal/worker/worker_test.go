package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobID = "01890a5d-ac96-774b-bcce-b302099a8057"

type fakeJobs struct {
	mu       sync.Mutex
	claimErr error
	renewErr error
	rec      *domain.JobRecord
	released int
	renewals int
	claims   int
}

func (f *fakeJobs) Claim(_ context.Context, jobID, _ string, _ time.Duration) (*domain.JobRecord, error) {
	f.mu.Lock()
	f.claims++
	f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.rec != nil {
		return f.rec, nil
	}
	return &domain.JobRecord{
		JobID:  jobID,
		Stages: []domain.StageRecord{{Name: domain.StageGenerate, Status: domain.StagePending}},
	}, nil
}

func (f *fakeJobs) RenewLease(context.Context, string, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	return f.renewErr
}

func (f *fakeJobs) Release(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeJobs) Claims() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims
}

func (f *fakeJobs) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type coordinatorFunc func(ctx context.Context, jobID string) (*domain.JobRecord, error)

func (f coordinatorFunc) Run(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return f(ctx, jobID)
}

func finished(_ context.Context, jobID string) (*domain.JobRecord, error) {
	return &domain.JobRecord{
		JobID:  jobID,
		Stages: []domain.StageRecord{{Name: domain.StageGenerate, Status: domain.StageSucceeded}},
	}, nil
}

type fakeAcknowledger struct {
	results chan string
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.results <- fmt.Sprintf("ack %d", tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.results <- fmt.Sprintf("nack %d requeue=%t", tag, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
}

func (s *fakeSource) Consume(string, int) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

func newTestWorker(jobs Jobs, coord Coordinator, source Source) *Worker {
	return NewWorker(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:      source,
		Jobs:        jobs,
		Coordinator: coord,
		WorkerID:    "gpu-1",
		Concurrency: 2,
		LeaseTTL:    30 * time.Millisecond,
	})
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"claimed elsewhere", fmt.Errorf("claim: %w", domain.ErrJobAlreadyClaimed), false},
		{"unknown job", domain.ErrJobNotFound, false},
		{"bad message", queue.ErrInvalidMessage, false},
		{"transient", NewRetryableError(errors.New("connection refused")), true},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(&Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, 1, w.concurrency)
	assert.Equal(t, 1, w.prefetchCount)
	assert.Equal(t, defaultLeaseTTL, w.leaseTTL)
	assert.Equal(t, defaultLeaseTTL/3, w.heartbeatInterval)
}

func TestProcessJob(t *testing.T) {
	t.Run("success releases the lease", func(t *testing.T) {
		jobs := &fakeJobs{}
		w := newTestWorker(jobs, coordinatorFunc(finished), nil)
		require.NoError(t, w.processJob(context.Background(), testJobID))
		assert.Equal(t, 1, jobs.Released())
	})

	t.Run("claimed by another worker", func(t *testing.T) {
		w := newTestWorker(&fakeJobs{claimErr: domain.ErrJobAlreadyClaimed}, coordinatorFunc(finished), nil)
		err := w.processJob(context.Background(), testJobID)
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
		assert.False(t, shouldRequeueJob(err))
	})

	t.Run("store unavailable", func(t *testing.T) {
		w := newTestWorker(&fakeJobs{claimErr: errors.New("connection refused")}, coordinatorFunc(finished), nil)
		err := w.processJob(context.Background(), testJobID)
		assert.True(t, shouldRequeueJob(err))
	})

	t.Run("terminal job is not run again", func(t *testing.T) {
		jobs := &fakeJobs{rec: &domain.JobRecord{
			JobID:  testJobID,
			Stages: []domain.StageRecord{{Name: domain.StageGenerate, Status: domain.StageFailed}},
		}}
		called := false
		w := newTestWorker(jobs, coordinatorFunc(func(ctx context.Context, id string) (*domain.JobRecord, error) {
			called = true
			return finished(ctx, id)
		}), nil)
		require.NoError(t, w.processJob(context.Background(), testJobID))
		assert.False(t, called)
		assert.Equal(t, 1, jobs.Released())
	})

	t.Run("coordinator store error is requeued", func(t *testing.T) {
		w := newTestWorker(&fakeJobs{}, coordinatorFunc(func(context.Context, string) (*domain.JobRecord, error) {
			return nil, errors.New("database is locked")
		}), nil)
		assert.True(t, shouldRequeueJob(w.processJob(context.Background(), testJobID)))
	})

	t.Run("shutdown is requeued", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		w := newTestWorker(&fakeJobs{}, coordinatorFunc(func(ctx context.Context, _ string) (*domain.JobRecord, error) {
			cancel()
			return nil, ctx.Err()
		}), nil)
		assert.True(t, shouldRequeueJob(w.processJob(ctx, testJobID)))
	})

	t.Run("lost lease abandons the job", func(t *testing.T) {
		jobs := &fakeJobs{renewErr: domain.ErrJobAlreadyClaimed}
		w := newTestWorker(jobs, coordinatorFunc(func(ctx context.Context, _ string) (*domain.JobRecord, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil)

		err := w.processJob(context.Background(), testJobID)
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
		assert.False(t, shouldRequeueJob(err))
	})

	t.Run("duplicate delivery of a running job is acknowledged", func(t *testing.T) {
		jobs := &fakeJobs{}
		started := make(chan struct{})
		unblock := make(chan struct{})
		var runs int
		var runsMu sync.Mutex
		w := newTestWorker(jobs, coordinatorFunc(func(ctx context.Context, id string) (*domain.JobRecord, error) {
			runsMu.Lock()
			runs++
			runsMu.Unlock()
			close(started)
			<-unblock
			return finished(ctx, id)
		}), nil)

		firstErr := make(chan error, 1)
		go func() { firstErr <- w.processJob(context.Background(), testJobID) }()
		<-started

		require.NoError(t, w.processJob(context.Background(), testJobID))
		assert.Equal(t, 1, jobs.Claims())

		close(unblock)
		require.NoError(t, <-firstErr)
		runsMu.Lock()
		assert.Equal(t, 1, runs)
		runsMu.Unlock()
		assert.Equal(t, 1, jobs.Released())

		// Once the first run finished the job can be picked up again.
		jobs2 := &fakeJobs{}
		w.jobs = jobs2
		w.coordinator = coordinatorFunc(finished)
		require.NoError(t, w.processJob(context.Background(), testJobID))
		assert.Equal(t, 1, jobs2.Claims())
	})

	t.Run("heartbeat renews the lease", func(t *testing.T) {
		jobs := &fakeJobs{}
		w := newTestWorker(jobs, coordinatorFunc(func(ctx context.Context, id string) (*domain.JobRecord, error) {
			time.Sleep(60 * time.Millisecond)
			return finished(ctx, id)
		}), nil)
		require.NoError(t, w.processJob(context.Background(), testJobID))
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		assert.Greater(t, jobs.renewals, 0)
	})
}

func TestWorker_ConsumesAndSettles(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	ack := &fakeAcknowledger{results: make(chan string, 4)}
	w := newTestWorker(&fakeJobs{}, coordinatorFunc(finished), source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"job_id":"` + testJobID + `"}`)}
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)}

	got := make([]string, 0, 2)
	for len(got) < 2 {
		select {
		case r := <-ack.results:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for settlements, got %v", got)
		}
	}
	assert.ElementsMatch(t, []string{"ack 1", "nack 2 requeue=false"}, got)

	cancel()
	w.Stop()
	assert.NoError(t, <-errCh)
}

func TestWorker_StartReturnsWhenDeliveriesClose(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	w := newTestWorker(&fakeJobs{}, coordinatorFunc(finished), source)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(context.Background()) }()

	close(source.deliveries)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDeliveriesClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the delivery channel closed")
	}
	w.Stop()
}
