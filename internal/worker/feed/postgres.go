package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SourcePostgres names events observed through LISTEN/NOTIFY
const SourcePostgres = "postgres"

// Cursor is a keyset position in creation order. The zero value starts from
// the oldest row.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// BackfillFunc returns the next page of publish request records after the
// cursor that may have been inserted while no LISTEN connection was up.
// Paging stops once the cursor no longer advances.
type BackfillFunc func(ctx context.Context, after Cursor) ([]map[string]any, Cursor, error)

// PostgresConfig configures the LISTEN subscription
type PostgresConfig struct {
	DSN                  string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	ConnectTimeout       time.Duration
}

// PostgresSubscription listens for pg_notify payloads emitted by the
// youtube_video insert trigger
type PostgresSubscription struct {
	cfg        PostgresConfig
	logger     *slog.Logger
	onIncident IncidentFunc
	backfill   BackfillFunc

	mu       sync.Mutex
	listener *pq.Listener
}

// NewPostgresSubscription creates a new LISTEN subscription. backfill may be nil.
func NewPostgresSubscription(cfg PostgresConfig, logger *slog.Logger, onIncident IncidentFunc, backfill BackfillFunc) *PostgresSubscription {
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 90 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &PostgresSubscription{
		cfg:        cfg,
		logger:     logger,
		onIncident: onIncident,
		backfill:   backfill,
	}
}

// Subscribe opens a dedicated LISTEN connection. Failure to connect within
// ConnectTimeout is returned as an error.
func (s *PostgresSubscription) Subscribe(ctx context.Context) (<-chan Event, error) {
	firstFailure := make(chan error, 1)
	var connected sync.Once
	established := make(chan struct{})

	listener := pq.NewListener(s.cfg.DSN, s.cfg.MinReconnectInterval, s.cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				connected.Do(func() { close(established) })
			case pq.ListenerEventConnectionAttemptFailed:
				select {
				case <-established:
					s.incident("connection_attempt_failed", err)
				default:
					select {
					case firstFailure <- err:
					default:
					}
				}
			case pq.ListenerEventDisconnected:
				s.incident("disconnected", err)
			case pq.ListenerEventReconnected:
				s.logger.Info("Postgres listener reconnected", slog.String("channel", s.cfg.Channel))
			}
		})

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- listener.Listen(s.cfg.Channel)
	}()

	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-listenErr:
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to listen on channel %s: %w", s.cfg.Channel, err)
		}
	case err := <-firstFailure:
		listener.Close()
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	case <-timer.C:
		listener.Close()
		return nil, fmt.Errorf("timed out connecting listener after %s", s.cfg.ConnectTimeout)
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	previous := s.listener
	s.listener = listener
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	s.logger.Info("Listening for publish requests",
		slog.String("channel", s.cfg.Channel),
	)

	out := make(chan Event)
	go s.run(ctx, listener, out)
	return out, nil
}

func (s *PostgresSubscription) run(ctx context.Context, listener *pq.Listener, out chan<- Event) {
	defer close(out)

	if !s.runBackfill(ctx, out) {
		return
	}

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case n, ok := <-listener.Notify:
			if !ok {
				s.logger.Warn("Postgres listener closed")
				return
			}

			// A nil notification follows a reconnect; anything sent during
			// the outage is gone, so look for pending rows instead
			if n == nil {
				s.incident("reconnected", errors.New("notifications during the outage may be lost"))
				if !s.runBackfill(ctx, out) {
					return
				}
				continue
			}

			record, err := DecodeEnvelope([]byte(n.Extra))
			if err != nil {
				if errors.Is(err, ErrIgnored) {
					continue
				}
				s.logger.Error("Failed to decode notification",
					slog.String("channel", n.Channel),
					slog.String("error", err.Error()),
					slog.String("payload", n.Extra),
				)
				s.incident("malformed_event", err)
				continue
			}

			if !s.emit(ctx, out, record) {
				return
			}

		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("Postgres listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (s *PostgresSubscription) runBackfill(ctx context.Context, out chan<- Event) bool {
	if s.backfill == nil {
		return true
	}

	var (
		after Cursor
		total int
	)
	for {
		records, next, err := s.backfill(ctx, after)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Error("Failed to backfill pending publish requests",
				slog.Int("emitted", total),
				slog.String("error", err.Error()),
			)
			s.incident("backfill_failed", err)
			return true
		}

		for _, record := range records {
			if !s.emit(ctx, out, record) {
				return false
			}
		}
		total += len(records)

		// an empty page leaves the cursor where it was
		if next.ID == after.ID && next.CreatedAt.Equal(after.CreatedAt) {
			break
		}
		after = next
	}

	if total > 0 {
		s.logger.Info("Backfilled pending publish requests",
			slog.Int("count", total),
		)
	}
	return true
}

func (s *PostgresSubscription) emit(ctx context.Context, out chan<- Event, record map[string]any) bool {
	select {
	case out <- NewEvent(SourcePostgres, record, nil, nil):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *PostgresSubscription) incident(kind string, err error) {
	if s.onIncident != nil {
		s.onIncident("postgres_listener_"+kind, err)
	}
}

// Close releases the LISTEN connection
func (s *PostgresSubscription) Close() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	if err := listener.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// PostgresEmitter re-injects records with pg_notify on the same channel the
// insert trigger uses
type PostgresEmitter struct {
	db      *sqlx.DB
	channel string
	table   string
}

// NewPostgresEmitter creates a new PostgresEmitter
func NewPostgresEmitter(db *sqlx.DB, channel, table string) *PostgresEmitter {
	return &PostgresEmitter{db: db, channel: channel, table: table}
}

// Emit sends record through pg_notify
func (e *PostgresEmitter) Emit(ctx context.Context, record map[string]any) error {
	body, err := EncodeEnvelope(e.table, record)
	if err != nil {
		return err
	}

	if _, err := e.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", e.channel, string(body)); err != nil {
		return fmt.Errorf("failed to notify channel %s: %w", e.channel, err)
	}
	return nil
}
