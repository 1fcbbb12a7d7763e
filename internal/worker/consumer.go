package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/feed"
)

// errStreamClosed is reported when the subscription's event stream ends
var errStreamClosed = errors.New("event stream closed")

// intake forwards events to the worker pool. It never runs pipeline stages
// itself, so a slow publish does not delay later events.
func (w *Worker) intake(ctx context.Context, events <-chan feed.Event, jobs chan<- feed.Event) error {
	w.logger.Info("Event intake started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Event intake stopped - context canceled")
			return nil

		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				w.logger.Warn("Subscription lost, resubscribing")
				w.incident(ctx, "subscription_lost", errStreamClosed)

				next, err := w.resubscribeWithBackoff(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.incident(ctx, "resubscribe_exhausted", err)
					return err
				}
				events = next
				continue
			}

			select {
			case jobs <- event:
				w.logger.Debug("Event dispatched to worker pool",
					slog.String("source", event.Source),
				)
			case <-ctx.Done():
				w.logger.Info("Event intake stopped while dispatching event")
				w.requeue(event)
				return nil
			}
		}
	}
}

// resubscribeWithBackoff retries Subscribe with exponential backoff, bounded
// by the resubscribe policy
func (w *Worker) resubscribeWithBackoff(ctx context.Context) (<-chan feed.Event, error) {
	policy := w.resubscribe
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		events, err := w.subscription.Subscribe(ctx)
		if err == nil {
			w.logger.Info("Resubscribed to change feed",
				slog.Int("attempt", attempt),
			)
			return events, nil
		}

		lastErr = err
		w.logger.Warn("Failed to resubscribe, retrying...",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("retry_after", backoff),
			slog.String("error", err.Error()),
		)
		w.incident(ctx, "resubscribe_failed", err)

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return nil, fmt.Errorf("failed to resubscribe after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func (w *Worker) requeue(event feed.Event) {
	if err := event.Nack(true); err != nil {
		w.logger.Error("Failed to requeue event",
			slog.String("source", event.Source),
			slog.String("error", err.Error()),
		)
	}
}
