package objectstore

import (
	"context"
	"fmt"
	"log/slog"

	miniosdk "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3-compatible object store connection configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Client wraps the MinIO client. Buckets are addressed per call, taken from
// s3://bucket/key locators.
type Client struct {
	*miniosdk.Client
	logger *slog.Logger
}

// New creates a new object store client
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}

	client, err := miniosdk.New(cfg.Endpoint, &miniosdk.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	logger.Info("Object store client created",
		slog.String("endpoint", cfg.Endpoint),
		slog.Bool("use_ssl", cfg.UseSSL),
	)

	return &Client{
		Client: client,
		logger: logger,
	}, nil
}

// HealthCheck verifies the object store answers authenticated requests
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.ListBuckets(ctx); err != nil {
		return fmt.Errorf("object store health check failed: %w", err)
	}
	return nil
}
