package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// SourceNATS names events received on a NATS subject
const SourceNATS = "nats"

// NATSSubscription receives change events on a subject, optionally through a
// queue group so that replicas share the stream
type NATSSubscription struct {
	conn       *nats.Conn
	subject    string
	queue      string
	bufferSize int
	logger     *slog.Logger
	onIncident IncidentFunc

	mu  sync.Mutex
	sub *nats.Subscription

	// registered once, resubscribes share the listener
	closedOnce sync.Once
	closed     <-chan nats.Status
}

// NewNATSSubscription creates a new subject subscription
func NewNATSSubscription(conn *nats.Conn, subject, queue string, bufferSize int, logger *slog.Logger, onIncident IncidentFunc) *NATSSubscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &NATSSubscription{
		conn:       conn,
		subject:    subject,
		queue:      queue,
		bufferSize: bufferSize,
		logger:     logger,
		onIncident: onIncident,
	}
}

// Subscribe registers the subscription on the connection
func (s *NATSSubscription) Subscribe(ctx context.Context) (<-chan Event, error) {
	if s.conn.IsClosed() {
		return nil, errors.New("nats connection is closed")
	}

	s.closedOnce.Do(func() {
		s.closed = s.conn.StatusChanged(nats.CLOSED)
	})

	msgs := make(chan *nats.Msg, s.bufferSize)

	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.ChanQueueSubscribe(s.subject, s.queue, msgs)
	} else {
		sub, err = s.conn.ChanSubscribe(s.subject, msgs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info("Subscribed to NATS subject",
		slog.String("subject", s.subject),
		slog.String("queue", s.queue),
	)

	out := make(chan Event)
	go s.run(ctx, msgs, s.closed, out)
	return out, nil
}

func (s *NATSSubscription) run(ctx context.Context, msgs <-chan *nats.Msg, closed <-chan nats.Status, out chan<- Event) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return

		case <-closed:
			s.logger.Warn("NATS connection closed, subscription lost",
				slog.String("subject", s.subject),
			)
			return

		case msg, ok := <-msgs:
			if !ok || msg == nil {
				return
			}

			record, err := DecodeEnvelope(msg.Data)
			if err != nil {
				if errors.Is(err, ErrIgnored) {
					continue
				}
				s.logger.Error("Failed to decode NATS message",
					slog.String("subject", msg.Subject),
					slog.String("error", err.Error()),
				)
				if s.onIncident != nil {
					s.onIncident("nats_malformed_event", err)
				}
				continue
			}

			select {
			case out <- NewEvent(SourceNATS, record, nil, nil):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close drains the subscription. The connection is owned by the caller.
func (s *NATSSubscription) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil || !sub.IsValid() {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.subject, err)
	}
	return nil
}

// NATSEmitter re-injects records by publishing the change envelope on a subject
type NATSEmitter struct {
	conn    *nats.Conn
	subject string
	table   string
}

// NewNATSEmitter creates a new NATSEmitter
func NewNATSEmitter(conn *nats.Conn, subject, table string) *NATSEmitter {
	return &NATSEmitter{conn: conn, subject: subject, table: table}
}

// Emit publishes record and flushes so the caller knows the server has it
func (e *NATSEmitter) Emit(ctx context.Context, record map[string]any) error {
	body, err := EncodeEnvelope(e.table, record)
	if err != nil {
		return err
	}

	if err := e.conn.Publish(e.subject, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", e.subject, err)
	}
	if err := e.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush publish to %s: %w", e.subject, err)
	}
	return nil
}
