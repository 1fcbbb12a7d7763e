package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
	"github.com/cuongbtq/video-publisher/internal/worker/notify"
)

// Store is the backing store seen by a pipeline run: the dedup claim, the
// credential lookup and the terminal writes
type Store interface {
	ClaimRequest(ctx context.Context, requestID, workerID string) error
	GetChannelCredential(ctx context.Context, channelID string) (*domain.ChannelCredential, error)
	RecordSuccess(ctx context.Context, requestID, workerID, reference string) error
	RecordFailure(ctx context.Context, requestID, workerID, kind, reason string) error
}

// Fetcher moves media into scratch storage
type Fetcher interface {
	ScratchPath(processID string) string
	Fetch(ctx context.Context, locator, dest string) (int64, error)
	Remove(path string) error
}

// Dispatcher submits a job to the external publish operation
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) (string, error)
}

// Metrics receives pipeline observations
type Metrics interface {
	ObserveOutcome(status, kind string, d time.Duration)
	DuplicateEvent()
	Incident(kind string)
	TransferredBytes(n int64)
	RunStarted()
	RunFinished()
}

// ResubscribePolicy bounds re-subscription after the event stream is lost
type ResubscribePolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	WorkerID        string
	Subscription    feed.Subscription
	Store           Store
	Fetcher         Fetcher
	Dispatcher      Dispatcher
	Reporter        notify.Reporter
	Metrics         Metrics
	Concurrency     int
	JobTimeout      time.Duration
	RecordTimeout   time.Duration
	ShutdownTimeout time.Duration
	Resubscribe     ResubscribePolicy
}

// Worker supervises the change feed subscription and the pool of pipeline runs
type Worker struct {
	logger          *slog.Logger
	workerID        string
	subscription    feed.Subscription
	store           Store
	fetcher         Fetcher
	dispatcher      Dispatcher
	reporter        notify.Reporter
	metrics         Metrics
	concurrency     int
	jobTimeout      time.Duration
	recordTimeout   time.Duration
	shutdownTimeout time.Duration
	resubscribe     ResubscribePolicy
	wg              sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	recordTimeout := cfg.RecordTimeout
	if recordTimeout <= 0 {
		recordTimeout = 10 * time.Second
	}

	resubscribe := cfg.Resubscribe
	if resubscribe.MaxAttempts <= 0 {
		resubscribe.MaxAttempts = 5
	}
	if resubscribe.InitialBackoff <= 0 {
		resubscribe.InitialBackoff = time.Second
	}
	if resubscribe.MaxBackoff < resubscribe.InitialBackoff {
		resubscribe.MaxBackoff = 30 * resubscribe.InitialBackoff
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = notify.NewLogReporter(cfg.Logger)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Worker{
		logger:          cfg.Logger.With(slog.String("worker_id", workerID)),
		workerID:        workerID,
		subscription:    cfg.Subscription,
		store:           cfg.Store,
		fetcher:         cfg.Fetcher,
		dispatcher:      cfg.Dispatcher,
		reporter:        reporter,
		metrics:         metrics,
		concurrency:     concurrency,
		jobTimeout:      cfg.JobTimeout,
		recordTimeout:   recordTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		resubscribe:     resubscribe,
	}
}

// ID returns the worker instance id written to claimed requests
func (w *Worker) ID() string {
	return w.workerID
}

// Run subscribes to the change feed and processes events until ctx is
// canceled. Failure to establish the initial subscription, or to recover a
// lost one within the resubscribe policy, is returned as an error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	events, err := w.subscription.Subscribe(ctx)
	if err != nil {
		w.incident(ctx, "subscription_failed", err)
		return fmt.Errorf("failed to establish subscription: %w", err)
	}

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()

	jobs := make(chan feed.Event, w.concurrency)
	w.spawnWorkerPool(runCtx, jobs)

	intakeErr := w.intake(ctx, events, jobs)

	w.logger.Info("Stopping worker...")
	cancelRuns()
	close(jobs)

	if err := w.subscription.Close(); err != nil {
		w.logger.Warn("Failed to release subscription",
			slog.String("error", err.Error()),
		)
	}

	w.waitForPool()
	w.logger.Info("Worker stopped")

	return intakeErr
}

// waitForPool waits for pool goroutines up to the shutdown timeout. Runs that
// are still waiting on the external operation are abandoned.
func (w *Worker) waitForPool() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if w.shutdownTimeout <= 0 {
		<-done
		return
	}

	timer := time.NewTimer(w.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn("Shutdown timeout elapsed with runs still in flight",
			slog.Duration("shutdown_timeout", w.shutdownTimeout),
		)
	}
}

func (w *Worker) incident(ctx context.Context, kind string, err error) {
	w.metrics.Incident(kind)
	w.reporter.Incident(ctx, kind, err)
}

// Incidents adapts reporter and metrics into a feed.IncidentFunc for
// subscription adapters. metrics may be nil.
func Incidents(reporter notify.Reporter, metrics Metrics) feed.IncidentFunc {
	return func(kind string, err error) {
		if metrics != nil {
			metrics.Incident(kind)
		}
		reporter.Incident(context.Background(), kind, err)
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveOutcome(string, string, time.Duration) {}
func (nopMetrics) DuplicateEvent()                              {}
func (nopMetrics) Incident(string)                              {}
func (nopMetrics) TransferredBytes(int64)                       {}
func (nopMetrics) RunStarted()                                  {}
func (nopMetrics) RunFinished()                                 {}
