package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds NATS connection configuration
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	Timeout       time.Duration
}

// Hooks receive connection state changes
type Hooks struct {
	OnDisconnect func(err error)
	OnReconnect  func()
	OnClosed     func()
}

// Connect dials NATS with reconnect handlers that log and forward to hooks
func Connect(cfg *Config, logger *slog.Logger, hooks Hooks) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
			if hooks.OnReconnect != nil {
				hooks.OnReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
			if hooks.OnClosed != nil {
				hooks.OnClosed()
			}
		}),
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}

	logger.Info("Connecting to NATS", slog.String("url", url))

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	logger.Info("Successfully connected to NATS", slog.String("url", nc.ConnectedUrl()))
	return nc, nil
}
