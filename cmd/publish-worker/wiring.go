package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/cuongbtq/video-publisher/internal/config"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
	"github.com/cuongbtq/video-publisher/internal/worker/storage"
	"github.com/cuongbtq/video-publisher/shared/natsclient"
	"github.com/cuongbtq/video-publisher/shared/postgresql"
	"github.com/cuongbtq/video-publisher/shared/rabbitmq"
)

// resources owns broker connections opened during wiring and closes them on
// shutdown. One NATS connection is shared by the feed and the reporter.
type resources struct {
	logger     *slog.Logger
	onIncident feed.IncidentFunc

	rabbitClients []*rabbitmq.Client
	natsConn      *nats.Conn
}

func (r *resources) rabbitMQ(cfg *rabbitmq.Config) (*rabbitmq.Client, error) {
	client, err := rabbitmq.NewClient(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.rabbitClients = append(r.rabbitClients, client)
	return client, nil
}

func (r *resources) nats(cfg *config.NATSConfig) (*nats.Conn, error) {
	if r.natsConn != nil {
		return r.natsConn, nil
	}

	conn, err := natsclient.Connect(&natsclient.Config{
		URL:           cfg.URL,
		Name:          cfg.Name,
		ReconnectWait: cfg.ReconnectWait,
		MaxReconnects: cfg.MaxReconnects,
		Timeout:       cfg.Timeout,
	}, r.logger, natsclient.Hooks{
		OnDisconnect: func(err error) {
			r.incident("nats_disconnected", err)
		},
		OnReconnect: func() {
			r.incident("nats_reconnected", nil)
		},
	})
	if err != nil {
		return nil, err
	}

	r.natsConn = conn
	return conn, nil
}

func (r *resources) incident(kind string, err error) {
	if r.onIncident != nil {
		r.onIncident(kind, err)
	}
}

// Close releases every connection opened through r
func (r *resources) Close() {
	for _, client := range r.rabbitClients {
		if err := client.Close(); err != nil {
			r.logger.Warn("Failed to close RabbitMQ client", slog.String("error", err.Error()))
		}
	}
	if r.natsConn != nil {
		r.natsConn.Close()
	}
}

// initSubscription builds the change feed selected by feed.source
func initSubscription(
	cfg *config.Config,
	workerID string,
	dbClient *postgresql.Client,
	store *storage.Storage,
	logger *slog.Logger,
	onIncident feed.IncidentFunc,
	res *resources,
) (feed.Subscription, error) {
	switch cfg.Feed.Source {
	case config.FeedPostgres:
		var backfill feed.BackfillFunc
		if cfg.Feed.Postgres.Backfill {
			pageSize := cfg.Feed.Postgres.BackfillLimit
			backfill = func(ctx context.Context, after feed.Cursor) ([]map[string]any, feed.Cursor, error) {
				return store.PendingRecords(ctx, after, pageSize)
			}
		}

		return feed.NewPostgresSubscription(feed.PostgresConfig{
			DSN:                  dbClient.DSN(),
			Channel:              cfg.Feed.Postgres.Channel,
			MinReconnectInterval: cfg.Feed.Postgres.MinReconnectInterval,
			MaxReconnectInterval: cfg.Feed.Postgres.MaxReconnectInterval,
			PingInterval:         cfg.Feed.Postgres.PingInterval,
			ConnectTimeout:       cfg.Feed.Postgres.ConnectTimeout,
		}, logger, onIncident, backfill), nil

	case config.FeedRabbitMQ:
		rabbitCfg := rabbitMQConfig(&cfg.RabbitMQ)
		if rabbitCfg.PrefetchCount <= 0 {
			rabbitCfg.PrefetchCount = cfg.Worker.Concurrency
		}

		client, err := res.rabbitMQ(rabbitCfg)
		if err != nil {
			return nil, err
		}
		return feed.NewRabbitMQSubscription(client, "publish-worker-"+workerID, logger, onIncident), nil

	case config.FeedNATS:
		conn, err := res.nats(&cfg.NATS)
		if err != nil {
			return nil, err
		}
		return feed.NewNATSSubscription(conn, cfg.NATS.Subject, cfg.NATS.Queue, cfg.Worker.Concurrency, logger, onIncident), nil
	}

	return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
}

// rabbitMQConfig maps the yaml section onto the client configuration
func rabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}
