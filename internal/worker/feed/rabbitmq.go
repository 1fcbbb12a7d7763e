package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/video-publisher/shared/rabbitmq"
)

// SourceRabbitMQ names events consumed from a RabbitMQ queue
const SourceRabbitMQ = "rabbitmq"

// RabbitMQSubscription consumes change events from a queue with manual
// acknowledgement
type RabbitMQSubscription struct {
	client      *rabbitmq.Client
	consumerTag string
	logger      *slog.Logger
	onIncident  IncidentFunc
}

// NewRabbitMQSubscription creates a new queue subscription
func NewRabbitMQSubscription(client *rabbitmq.Client, consumerTag string, logger *slog.Logger, onIncident IncidentFunc) *RabbitMQSubscription {
	return &RabbitMQSubscription{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
		onIncident:  onIncident,
	}
}

// Subscribe starts a consumer, reconnecting first if the client lost its
// connection
func (s *RabbitMQSubscription) Subscribe(ctx context.Context) (<-chan Event, error) {
	if !s.client.IsConnected() {
		if err := s.client.Reconnect(); err != nil {
			return nil, fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
		}
	}

	deliveries, err := s.client.Consume(s.consumerTag)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go s.run(ctx, deliveries, out)
	return out, nil
}

func (s *RabbitMQSubscription) run(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Event) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			event, ok := s.toEvent(d)
			if !ok {
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				// Not handed to the pool; let the broker redeliver
				if err := d.Nack(false, true); err != nil {
					s.logger.Warn("Failed to requeue delivery", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *RabbitMQSubscription) toEvent(d amqp.Delivery) (Event, bool) {
	record, err := DecodeEnvelope(d.Body)
	if err != nil {
		if errors.Is(err, ErrIgnored) {
			if ackErr := d.Ack(false); ackErr != nil {
				s.logger.Warn("Failed to ack ignored delivery", slog.String("error", ackErr.Error()))
			}
			return Event{}, false
		}

		s.logger.Error("Failed to decode delivery",
			slog.String("error", err.Error()),
			slog.String("message_id", d.MessageId),
			slog.Int("body_size", len(d.Body)),
		)
		if s.onIncident != nil {
			s.onIncident("rabbitmq_malformed_event", err)
		}
		// Malformed bodies would fail again; drop them
		if nackErr := d.Nack(false, false); nackErr != nil {
			s.logger.Warn("Failed to reject delivery", slog.String("error", nackErr.Error()))
		}
		return Event{}, false
	}

	return NewEvent(SourceRabbitMQ, record,
		func() error { return d.Ack(false) },
		func(requeue bool) error { return d.Nack(false, requeue) },
	), true
}

// Close cancels the consumer. The client itself is owned by the caller.
func (s *RabbitMQSubscription) Close() error {
	if err := s.client.Cancel(s.consumerTag); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", s.consumerTag, err)
	}
	return nil
}

// RabbitMQEmitter re-injects records by publishing the change envelope
type RabbitMQEmitter struct {
	client *rabbitmq.Client
	table  string
}

// NewRabbitMQEmitter creates a new RabbitMQEmitter
func NewRabbitMQEmitter(client *rabbitmq.Client, table string) *RabbitMQEmitter {
	return &RabbitMQEmitter{client: client, table: table}
}

// Emit publishes record to the configured exchange and routing key
func (e *RabbitMQEmitter) Emit(ctx context.Context, record map[string]any) error {
	body, err := EncodeEnvelope(e.table, record)
	if err != nil {
		return err
	}
	return e.client.PublishWithRetry(ctx, body, "application/json")
}
