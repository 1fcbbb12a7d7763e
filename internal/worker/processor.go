package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
	"github.com/cuongbtq/video-publisher/internal/worker/normalize"
)

var (
	// errUnrecordable marks payloads without a usable request id
	errUnrecordable = errors.New("event has no usable request id")

	// errInterrupted marks events dropped by shutdown before their claim
	errInterrupted = errors.New("shutdown before claim")
)

// processEvent runs the pipeline for one change event. Every claimed request
// ends with exactly one terminal write and one reported outcome; the returned
// error only concerns the event's acknowledgement.
func (w *Worker) processEvent(ctx context.Context, event feed.Event) error {
	record := event.Record
	requestID, err := normalize.RequestID(record)
	if err != nil {
		w.logger.Error("Failed to read request id from event",
			slog.String("error", err.Error()),
		)
		w.incident(ctx, "unrecordable_event", err)
		return fmt.Errorf("%w: %v", errUnrecordable, err)
	}

	if ctx.Err() != nil {
		return errInterrupted
	}

	logger := w.logger.With(slog.String("request_id", requestID))
	started := time.Now()

	// Step 1: Claim request (PENDING → RUNNING); redeliveries stop here
	if err := w.store.ClaimRequest(ctx, requestID, w.workerID); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			logger.Info("Publish request already claimed, skipping")
			w.metrics.DuplicateEvent()
			return nil
		}

		logger.Error("Failed to claim publish request",
			slog.String("error", err.Error()),
		)
		w.finish(ctx, logger, &domain.Job{RequestID: requestID}, started, "", err)
		return nil
	}

	// The claim makes the store authoritative; release the delivery now
	// instead of holding it for the whole upload
	if err := event.Ack(); err != nil {
		logger.Warn("Failed to ACK claimed event", slog.String("error", err.Error()))
	}

	w.metrics.RunStarted()
	defer w.metrics.RunFinished()

	job, reference, err := w.runPipeline(ctx, logger, requestID, record)
	w.finish(ctx, logger, job, started, reference, err)
	return nil
}

// runPipeline executes Normalize → Resolve → Transfer → Dispatch, stopping at
// the first failing stage. The returned job is never nil.
func (w *Worker) runPipeline(ctx context.Context, logger *slog.Logger, requestID string, record map[string]any) (*domain.Job, string, error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	// Step 2: Normalize
	job, err := normalize.Normalize(record)
	if err != nil {
		return &domain.Job{RequestID: requestID}, "", err
	}

	logger = logger.With(
		slog.String("process_id", job.ProcessID),
		slog.String("channel_id", job.ChannelID),
	)
	logger.Info("Processing publish request",
		slog.String("title", job.Title),
		slog.String("visibility", string(job.Visibility)),
	)

	// Step 3: Resolve credential
	cred, err := w.store.GetChannelCredential(ctx, job.ChannelID)
	if err != nil {
		return job, "", err
	}
	job.Credential = cred

	// Step 4: Transfer media; the scratch file goes away on every exit path
	path := w.fetcher.ScratchPath(job.ProcessID)
	defer w.removeScratch(logger, path)

	n, err := w.fetcher.Fetch(ctx, job.MediaURL, path)
	if err != nil {
		return job, "", err
	}
	w.metrics.TransferredBytes(n)
	job.LocalPath = path

	logger.Info("Media transferred",
		slog.String("path", path),
		slog.Int64("bytes", n),
	)

	// Step 5: Dispatch
	reference, err := w.dispatcher.Dispatch(ctx, job)
	if err != nil {
		return job, "", err
	}

	return job, reference, nil
}

func (w *Worker) removeScratch(logger *slog.Logger, path string) {
	if err := w.fetcher.Remove(path); err != nil {
		logger.Warn("Failed to remove scratch file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// finish records the terminal state and reports the outcome. The write uses
// a context detached from shutdown so an interrupted run is still recorded.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, job *domain.Job, started time.Time, reference string, runErr error) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.recordTimeout)
	defer cancel()

	outcome := domain.Outcome{
		RequestID: job.RequestID,
		ProcessID: job.ProcessID,
		ChannelID: job.ChannelID,
		WorkerID:  w.workerID,
		Duration:  time.Since(started),
		At:        time.Now().UTC(),
	}

	var recordErr error
	if runErr == nil {
		outcome.Status = domain.StatusPublished
		outcome.Reference = reference
		recordErr = w.store.RecordSuccess(recordCtx, job.RequestID, w.workerID, reference)
	} else {
		outcome.Status = domain.StatusFailed
		outcome.ErrorKind = domain.KindOf(runErr)
		outcome.Reason = failureReason(runErr)
		recordErr = w.store.RecordFailure(recordCtx, job.RequestID, w.workerID, outcome.ErrorKind, outcome.Reason)
	}

	// Persisting is best effort; it never re-triggers the publish
	if recordErr != nil {
		logger.Error("Failed to record terminal state",
			slog.String("status", outcome.Status),
			slog.String("error", recordErr.Error()),
		)
		w.incident(recordCtx, "record_failed", fmt.Errorf("request %s: %w", job.RequestID, recordErr))
	}

	w.metrics.ObserveOutcome(outcome.Status, outcome.ErrorKind, outcome.Duration)
	w.reporter.Report(recordCtx, outcome)
}

// failureReason keeps the publisher's own error text verbatim
func failureReason(err error) string {
	var dispatchErr *domain.DispatchError
	if errors.As(err, &dispatchErr) && dispatchErr.Err != nil {
		return dispatchErr.Err.Error()
	}
	return err.Error()
}
