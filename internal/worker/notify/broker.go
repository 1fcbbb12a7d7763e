package notify

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
)

// Routing keys used when publishing to RabbitMQ; NATS subjects are suffixed
// the same way
const (
	KeyOutcome  = "outcome"
	KeyIncident = "incident"
)

// AMQPPublisher is satisfied by the shared RabbitMQ client
type AMQPPublisher interface {
	PublishToWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitMQReporter publishes outcomes and incidents to the outcome exchange
type RabbitMQReporter struct {
	publisher AMQPPublisher
	prefix    string
	workerID  string
	logger    *slog.Logger
}

// NewRabbitMQReporter creates a new RabbitMQReporter. Routing keys are
// "<prefix>.outcome" and "<prefix>.incident".
func NewRabbitMQReporter(publisher AMQPPublisher, prefix, workerID string, logger *slog.Logger) *RabbitMQReporter {
	return &RabbitMQReporter{publisher: publisher, prefix: prefix, workerID: workerID, logger: logger}
}

// Report publishes outcome
func (r *RabbitMQReporter) Report(ctx context.Context, outcome domain.Outcome) {
	r.publish(ctx, KeyOutcome, outcome)
}

// Incident publishes an incident record
func (r *RabbitMQReporter) Incident(ctx context.Context, kind string, err error) {
	r.publish(ctx, KeyIncident, newIncident(r.workerID, kind, err))
}

func (r *RabbitMQReporter) publish(ctx context.Context, key string, v any) {
	if r.publisher == nil {
		r.logger.Error("Failed to publish notification", slog.String("error", errNoPublisher.Error()))
		return
	}

	body, err := encode(v)
	if err != nil {
		r.logger.Error("Failed to publish notification", slog.String("error", err.Error()))
		return
	}

	routingKey := join(r.prefix, key)
	if err := r.publisher.PublishToWithRetry(ctx, routingKey, body, "application/json"); err != nil {
		r.logger.Error("Failed to publish notification",
			slog.String("routing_key", routingKey),
			slog.String("error", err.Error()),
		)
	}
}

// NATSPublisher is satisfied by *nats.Conn
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes outcomes and incidents on NATS subjects
type NATSReporter struct {
	publisher NATSPublisher
	prefix    string
	workerID  string
	logger    *slog.Logger
}

// NewNATSReporter creates a new NATSReporter. Subjects are
// "<prefix>.outcome" and "<prefix>.incident".
func NewNATSReporter(publisher NATSPublisher, prefix, workerID string, logger *slog.Logger) *NATSReporter {
	return &NATSReporter{publisher: publisher, prefix: prefix, workerID: workerID, logger: logger}
}

// Report publishes outcome
func (r *NATSReporter) Report(_ context.Context, outcome domain.Outcome) {
	r.publish(KeyOutcome, outcome)
}

// Incident publishes an incident record
func (r *NATSReporter) Incident(_ context.Context, kind string, err error) {
	r.publish(KeyIncident, newIncident(r.workerID, kind, err))
}

func (r *NATSReporter) publish(key string, v any) {
	if r.publisher == nil {
		r.logger.Error("Failed to publish notification", slog.String("error", errNoPublisher.Error()))
		return
	}

	body, err := encode(v)
	if err != nil {
		r.logger.Error("Failed to publish notification", slog.String("error", err.Error()))
		return
	}

	subject := join(r.prefix, key)
	if err := r.publisher.Publish(subject, body); err != nil {
		r.logger.Error("Failed to publish notification",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
