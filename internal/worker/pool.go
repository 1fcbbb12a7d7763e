package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/video-publisher/internal/worker/feed"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration.
// Each slot holds at most one external publish session.
func (w *Worker) spawnWorkerPool(ctx context.Context, jobs <-chan feed.Event) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i, jobs)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int, jobs <-chan feed.Event) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for event := range jobs {
		// Queued but not started before shutdown
		if ctx.Err() != nil {
			w.requeue(event)
			continue
		}

		err := w.processEvent(ctx, event)
		w.settle(logger, event, err)
	}

	logger.Debug("Worker goroutine stopping - jobs channel closed")
}

// settle acknowledges the event once its run is over. Claimed events were
// already acked by processEvent and settle again as a no-op. The outcome lives
// in the backing store, so only runs that never reached a claim are
// redelivered.
func (w *Worker) settle(logger *slog.Logger, event feed.Event, err error) {
	switch {
	case err == nil:
		if ackErr := event.Ack(); ackErr != nil {
			logger.Error("Failed to ACK event", slog.String("error", ackErr.Error()))
		}

	case shouldRequeue(err):
		logger.Info("Event requeued", slog.String("reason", err.Error()))
		w.requeue(event)

	default:
		logger.Warn("Event rejected", slog.String("reason", err.Error()))
		if nackErr := event.Nack(false); nackErr != nil {
			logger.Error("Failed to NACK event", slog.String("error", nackErr.Error()))
		}
	}
}

// shouldRequeue determines if an event should be redelivered based on the error type
func shouldRequeue(err error) bool {
	return errors.Is(err, errInterrupted)
}
