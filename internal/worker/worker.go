package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/renderexpo/studio-backend/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultLeaseTTL = 2 * time.Minute
	releaseTimeout  = 10 * time.Second
)

// ErrDeliveriesClosed is returned by Start when the broker closes the delivery channel.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Source delivers job messages. *rabbitmq.Client satisfies it.
type Source interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Jobs is the lease half of the job record contract.
type Jobs interface {
	Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (*domain.JobRecord, error)
	RenewLease(ctx context.Context, jobID, workerID string, ttl time.Duration) error
	Release(ctx context.Context, jobID, workerID string) error
}

// Coordinator drives the stages of one claimed job.
type Coordinator interface {
	Run(ctx context.Context, jobID string) (*domain.JobRecord, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Source            Source
	Jobs              Jobs
	Coordinator       Coordinator
	WorkerID          string
	Concurrency       int
	PrefetchCount     int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// jobMessage is a decoded delivery waiting for a pool goroutine.
type jobMessage struct {
	JobID    string
	Delivery amqp.Delivery
}

// Worker consumes job messages and runs each job under a lease on the GPU
// process. Stages of one job run sequentially; jobs run concurrently up to
// Concurrency.
type Worker struct {
	logger            *slog.Logger
	source            Source
	jobs              Jobs
	coordinator       Coordinator
	workerID          string
	concurrency       int
	prefetchCount     int
	leaseTTL          time.Duration
	heartbeatInterval time.Duration
	jobsChan          chan *jobMessage
	inFlightMu        sync.Mutex
	inFlight          map[string]struct{}
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		source:            cfg.Source,
		jobs:              cfg.Jobs,
		coordinator:       cfg.Coordinator,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		leaseTTL:          cfg.LeaseTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		inFlight:          make(map[string]struct{}),
		stopChan:          make(chan struct{}),
	}
	if w.workerID == "" {
		w.workerID = defaultWorkerID()
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.prefetchCount < 1 {
		w.prefetchCount = w.concurrency
	}
	if w.leaseTTL <= 0 {
		w.leaseTTL = defaultLeaseTTL
	}
	if w.heartbeatInterval <= 0 || w.heartbeatInterval >= w.leaseTTL {
		w.heartbeatInterval = w.leaseTTL / 3
	}
	w.jobsChan = make(chan *jobMessage)
	return w
}

// ID returns the lease owner id of this worker.
func (w *Worker) ID() string {
	return w.workerID
}

// Start consumes messages until ctx is canceled or Stop is called. It returns
// ErrDeliveriesClosed when the broker closes the delivery channel.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("lease_ttl", w.leaseTTL),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.spawnWorkerPool(ctx)

	dispatchErr := make(chan error, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		dispatchErr <- w.startMessageDispatcher(ctx, deliveries)
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	case err := <-dispatchErr:
		if err == nil {
			return nil
		}
		// Nothing can be acked on a closed channel; stop the pool.
		cancel()
		w.logger.Error("Worker lost its message source", slog.String("error", err.Error()))
		return err
	}
}

// beginJob marks jobID as running on this process. It reports false when the
// job is already in flight here.
func (w *Worker) beginJob(jobID string) bool {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	if _, ok := w.inFlight[jobID]; ok {
		return false
	}
	w.inFlight[jobID] = struct{}{}
	return true
}

func (w *Worker) finishJob(jobID string) {
	w.inFlightMu.Lock()
	delete(w.inFlight, jobID)
	w.inFlightMu.Unlock()
}

// Stop signals every goroutine to finish and waits for in-flight jobs to
// record their outcome.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
