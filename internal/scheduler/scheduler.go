package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipflow/orchestrator/internal/dispatch"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/shared/rabbitmq"
)

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// JobStore is the slice of the job record store the scheduler drives.
type JobStore interface {
	GetByJobID(ctx context.Context, jobID string) (*job.Job, error)
	Transition(ctx context.Context, jobID string, from []string, to string, patch job.Patch) error
	ListQueued(ctx context.Context, now time.Time, limit int) ([]job.Job, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error)
	ListStalled(ctx context.Context, now time.Time, limit int) ([]job.Job, error)
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]job.Job, error)
	PruneTerminal(ctx context.Context, now time.Time) (int64, error)
}

// Dispatcher posts clip jobs to the external worker fleet.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) error
}

// PostRunner executes a social post job in-process.
type PostRunner interface {
	Execute(ctx context.Context, jobID string) error
}

// Config holds scheduler configuration
type Config struct {
	Logger        *slog.Logger
	Store         JobStore
	Dispatcher    Dispatcher
	Posts         PostRunner
	RabbitClient  *rabbitmq.Client
	Concurrency   int
	PrefetchCount int
	WorkerID      string
	ScanInterval  time.Duration
	SweepInterval time.Duration
}

// Scheduler consumes dispatch requests from RabbitMQ for low-latency
// dispatch, and periodically scans for queued, due-scheduled, stalled, and
// retryable-failed jobs the event path missed. A cleanup sweep prunes
// terminal records past retention.
type Scheduler struct {
	logger        *slog.Logger
	store         JobStore
	dispatcher    Dispatcher
	posts         PostRunner
	rabbitClient  *rabbitmq.Client
	concurrency   int
	prefetchCount int
	workerID      string
	scanInterval  time.Duration
	sweepInterval time.Duration

	jobsChan chan *queueMessage
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type queueMessage struct {
	JobID       string
	DeliveryTag uint64
}

// NewScheduler creates a new Scheduler instance
func NewScheduler(cfg *Config) *Scheduler {
	scanInterval := cfg.ScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	return &Scheduler{
		logger:        cfg.Logger,
		store:         cfg.Store,
		dispatcher:    cfg.Dispatcher,
		posts:         cfg.Posts,
		rabbitClient:  cfg.RabbitClient,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		workerID:      cfg.WorkerID,
		scanInterval:  scanInterval,
		sweepInterval: sweepInterval,
		jobsChan:      make(chan *queueMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming dispatch messages and running the periodic scans.
// It blocks until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		slog.Int("concurrency", s.concurrency),
		slog.Duration("scan_interval", s.scanInterval),
		slog.String("worker_id", s.workerID),
	)

	deliveries, err := s.setupConsumer()
	if err != nil {
		return err
	}

	s.spawnPool(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx, deliveries)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scanLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	<-ctx.Done()
	s.logger.Info("Scheduler context canceled, stopping...")

	return nil
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler...")
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// scanLoop runs the scan classes on a fixed ticker.
func (s *Scheduler) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// sweepLoop prunes terminal records past retention.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.store.PruneTerminal(ctx, time.Now())
			if err != nil {
				s.logger.Error("Retention sweep failed",
					slog.Any("error", err),
				)
				continue
			}
			if pruned > 0 {
				s.logger.Info("Retention sweep pruned terminal jobs",
					slog.Int64("pruned", pruned),
				)
			}
		}
	}
}

// Scan runs one pass over the scan classes. Each dispatch is isolated:
// one bad job never aborts the batch. The batch cap and pacing delay bound
// burst load on the worker fleet.
func (s *Scheduler) Scan(ctx context.Context) {
	now := nowFunc()
	budget := job.DispatchBatchSize

	queued, err := s.store.ListQueued(ctx, now, budget)
	if err != nil {
		s.logger.Error("Queued scan failed", slog.Any("error", err))
	} else {
		budget -= s.dispatchBatch(ctx, queued, false)
	}

	if budget <= 0 {
		return
	}

	due, err := s.store.ListDue(ctx, now, budget)
	if err != nil {
		s.logger.Error("Due scan failed", slog.Any("error", err))
	} else {
		budget -= s.dispatchBatch(ctx, due, false)
	}

	if budget <= 0 {
		return
	}

	// In-progress jobs abandoned by a crashed worker: re-dispatching lets a
	// new claimant overtake the expired lock.
	stalled, err := s.store.ListStalled(ctx, now, budget)
	if err != nil {
		s.logger.Error("Stalled scan failed", slog.Any("error", err))
	} else {
		budget -= s.dispatchBatch(ctx, stalled, false)
	}

	if budget <= 0 {
		return
	}

	retryable, err := s.store.ListRetryable(ctx, now, budget)
	if err != nil {
		s.logger.Error("Retryable scan failed", slog.Any("error", err))
		return
	}

	eligible := make([]job.Job, 0, len(retryable))
	for _, j := range retryable {
		if job.RetryDue(&j, now) {
			eligible = append(eligible, j)
		}
	}
	s.dispatchBatch(ctx, eligible, true)
}

// dispatchBatch dispatches jobs in arbitrary order with a pacing delay
// between consecutive dispatches. Returns how many dispatches were attempted.
func (s *Scheduler) dispatchBatch(ctx context.Context, jobs []job.Job, isRetry bool) int {
	attempted := 0
	for i := range jobs {
		if attempted > 0 {
			select {
			case <-ctx.Done():
				return attempted
			case <-time.After(job.DispatchPacing):
			}
		}

		j := jobs[i]
		attempted++
		if err := s.dispatchJob(ctx, &j, isRetry); err != nil {
			s.logger.Error("Scan dispatch failed",
				slog.String("job_id", j.JobID),
				slog.Bool("retry", isRetry),
				slog.Any("error", err),
			)
		}
	}
	return attempted
}
