// Package notify delivers terminal outcomes and subscription incidents to
// the operator.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
)

// Reporter is the operator-visible channel
type Reporter interface {
	Report(ctx context.Context, outcome domain.Outcome)
	Incident(ctx context.Context, kind string, err error)
}

// Incident is the wire form of a subscription or persistence incident
type Incident struct {
	Kind     string    `json:"kind"`
	Error    string    `json:"error,omitempty"`
	WorkerID string    `json:"worker_id"`
	At       time.Time `json:"at"`
}

func newIncident(workerID, kind string, err error) Incident {
	inc := Incident{Kind: kind, WorkerID: workerID, At: time.Now().UTC()}
	if err != nil {
		inc.Error = err.Error()
	}
	return inc
}

// LogReporter writes outcomes and incidents to the structured log
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a new LogReporter
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs a terminal outcome
func (r *LogReporter) Report(ctx context.Context, outcome domain.Outcome) {
	attrs := []slog.Attr{
		slog.String("request_id", outcome.RequestID),
		slog.String("process_id", outcome.ProcessID),
		slog.String("channel_id", outcome.ChannelID),
		slog.String("status", outcome.Status),
		slog.Duration("duration", outcome.Duration),
	}

	if outcome.Status == domain.StatusPublished {
		attrs = append(attrs, slog.String("reference", outcome.Reference))
		r.logger.LogAttrs(ctx, slog.LevelInfo, "Publish request published", attrs...)
		return
	}

	attrs = append(attrs,
		slog.String("error_kind", outcome.ErrorKind),
		slog.String("reason", outcome.Reason),
	)
	r.logger.LogAttrs(ctx, slog.LevelError, "Publish request failed", attrs...)
}

// Incident logs a subscription or persistence incident
func (r *LogReporter) Incident(ctx context.Context, kind string, err error) {
	attrs := []slog.Attr{slog.String("kind", kind)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	r.logger.LogAttrs(ctx, slog.LevelWarn, "Operator incident", attrs...)
}

// Multi fans every call out to a list of reporters
type Multi []Reporter

// Report forwards outcome to every reporter
func (m Multi) Report(ctx context.Context, outcome domain.Outcome) {
	for _, r := range m {
		r.Report(ctx, outcome)
	}
}

// Incident forwards the incident to every reporter
func (m Multi) Incident(ctx context.Context, kind string, err error) {
	for _, r := range m {
		r.Incident(ctx, kind, err)
	}
}

func encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}
	return body, nil
}

var errNoPublisher = errors.New("no publisher configured")
