package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
)

// ErrConfirmTimeout is returned when no completion callback arrives in time
var ErrConfirmTimeout = errors.New("timed out waiting for publish confirmation")

// Config holds dispatcher configuration
type Config struct {
	Language           string
	Playlist           string
	UploadAsDraft      bool
	IsAgeRestriction   bool
	IsNotForKid        bool
	IsChannelMonetized bool
	SkipProcessingWait bool
	ConfirmTimeout     time.Duration
	Launch             Options
}

// DuplicateObserver is notified when the external operation settles a job twice
type DuplicateObserver interface {
	DuplicateCallback()
}

// Dispatcher submits jobs to the external publish operation
type Dispatcher struct {
	uploader Uploader
	cfg      Config
	logger   *slog.Logger
	observer DuplicateObserver
}

// NewDispatcher creates a new dispatcher. observer may be nil.
func NewDispatcher(uploader Uploader, cfg Config, logger *slog.Logger, observer DuplicateObserver) *Dispatcher {
	return &Dispatcher{
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
	}
}

// Dispatch invokes the external publish operation once for job and waits for
// its outcome. Failures come back as DispatchError with the detail preserved.
// A canceled ctx stops the wait only; the external operation keeps running and
// any later callback is discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job) (string, error) {
	if job.Credential == nil {
		return "", fmt.Errorf("job %s has no resolved credential", job.RequestID)
	}
	if job.LocalPath == "" {
		return "", fmt.Errorf("job %s has no local media path", job.RequestID)
	}

	logger := d.logger.With(
		slog.String("request_id", job.RequestID),
		slog.String("process_id", job.ProcessID),
	)

	completion := NewCompletion()
	video := d.buildVideo(job)
	video.OnProgress = func(progress float64) {
		logger.Debug("Publish progress", slog.Float64("progress", progress))
	}
	video.OnSuccess = func(reference string) {
		if !completion.Resolve(reference) {
			d.duplicate(logger, "success")
		}
	}
	video.OnFailure = func(err error) {
		if err == nil {
			err = errors.New("publish failed without detail")
		}
		if !completion.Reject(err) {
			d.duplicate(logger, "failure")
		}
	}

	creds := Credentials{
		Email:         job.Credential.LoginEmail,
		Password:      job.Credential.Password,
		RecoveryEmail: job.Credential.RecoveryEmail,
	}

	logger.Info("Submitting video to publisher",
		slog.String("title", job.Title),
		slog.Any("tags", job.Tags),
		slog.String("visibility", string(job.Visibility)),
		slog.Any("channel", *job.Credential),
	)

	if err := d.uploader.Upload(ctx, creds, []Video{video}, d.cfg.Launch); err != nil {
		if !completion.Reject(err) {
			logger.Warn("Publisher raised a fault after settling the job",
				slog.String("error", err.Error()),
			)
		}
	}

	var timeout <-chan time.Time
	if d.cfg.ConfirmTimeout > 0 {
		timer := time.NewTimer(d.cfg.ConfirmTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-completion.Done():
	case <-ctx.Done():
		// Settle so a late callback becomes a no-op
		if completion.Reject(ctx.Err()) {
			return "", domain.NewTransientError("await publish confirmation", ctx.Err())
		}
	case <-timeout:
		if completion.Reject(ErrConfirmTimeout) {
			return "", domain.NewDispatchError(ErrConfirmTimeout)
		}
	}

	reference, err := completion.Result()
	if err != nil {
		return "", domain.NewDispatchError(err)
	}
	if reference == "" {
		return "", domain.NewDispatchError(errors.New("publisher reported success without a reference"))
	}

	return reference, nil
}

func (d *Dispatcher) buildVideo(job *domain.Job) Video {
	return Video{
		Path:               job.LocalPath,
		Title:              job.Title,
		Description:        job.Description,
		Tags:               job.Tags,
		Language:           d.cfg.Language,
		Playlist:           d.cfg.Playlist,
		ChannelName:        job.Credential.Name,
		Category:           job.Category,
		ThumbnailURL:       job.ThumbnailURL,
		Visibility:         job.Visibility,
		UploadAsDraft:      d.cfg.UploadAsDraft,
		IsAgeRestriction:   d.cfg.IsAgeRestriction,
		IsNotForKid:        d.cfg.IsNotForKid,
		IsChannelMonetized: d.cfg.IsChannelMonetized,
		SkipProcessingWait: d.cfg.SkipProcessingWait,
	}
}

func (d *Dispatcher) duplicate(logger *slog.Logger, kind string) {
	logger.Warn("Ignoring duplicate publish callback",
		slog.String("callback", kind),
	)
	if d.observer != nil {
		d.observer.DuplicateCallback()
	}
}
