// Package transfer streams remote media objects into the scratch work directory.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
	miniosdk "github.com/minio/minio-go/v7"
)

// ObjectGetter is the part of the MinIO client used for s3:// locators
type ObjectGetter interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts miniosdk.GetObjectOptions) (*miniosdk.Object, error)
}

// Config holds transfer configuration
type Config struct {
	WorkDir       string
	HTTPTimeout   time.Duration
	FileExtension string
}

// Fetcher downloads media locators to local files
type Fetcher struct {
	workDir   string
	extension string
	client    *http.Client
	objects   ObjectGetter
	logger    *slog.Logger
}

// Option customizes the fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client used for http(s) locators
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithObjectStore enables s3://bucket/key locators
func WithObjectStore(objects ObjectGetter) Option {
	return func(f *Fetcher) {
		f.objects = objects
	}
}

// NewFetcher creates a new Fetcher rooted at cfg.WorkDir
func NewFetcher(cfg Config, logger *slog.Logger, opts ...Option) *Fetcher {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute // Videos can be large
	}

	ext := cfg.FileExtension
	if ext == "" {
		ext = ".mp4"
	}

	f := &Fetcher{
		workDir:   cfg.WorkDir,
		extension: ext,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// ScratchPath returns the deterministic local path for a process id, so a
// retried run overwrites the file of the previous attempt
func (f *Fetcher) ScratchPath(processID string) string {
	return filepath.Join(f.workDir, processID+f.extension)
}

// Fetch streams locator into dest. On error the destination is left in an
// indeterminate state and must be removed by the caller.
func (f *Fetcher) Fetch(ctx context.Context, locator, dest string) (int64, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return 0, domain.NewValidationError("file_identifier", fmt.Sprintf("invalid locator: %v", err))
	}

	var body io.ReadCloser
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		body, err = f.openHTTP(ctx, locator)
	case "s3":
		body, err = f.openObject(ctx, u)
	default:
		return 0, domain.NewValidationError("file_identifier", fmt.Sprintf("unsupported locator scheme %q", u.Scheme))
	}
	if err != nil {
		return 0, err
	}
	defer body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return 0, domain.NewTransientError("create scratch file", err)
	}

	written, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		return written, domain.NewTransientError("write scratch file", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return written, domain.NewTransientError("sync scratch file", err)
	}

	if err := file.Close(); err != nil {
		return written, domain.NewTransientError("close scratch file", err)
	}

	f.logger.Debug("Media transferred",
		slog.String("locator", locator),
		slog.String("path", dest),
		slog.Int64("bytes", written),
	)

	return written, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, locator string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, domain.NewValidationError("file_identifier", fmt.Sprintf("failed to create request: %v", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.NewTransientError("download media", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, domain.NewTransientError("download media", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	return resp.Body, nil
}

func (f *Fetcher) openObject(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if f.objects == nil {
		return nil, domain.NewValidationError("file_identifier", "s3 locator given but no object store is configured")
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, domain.NewValidationError("file_identifier", "s3 locator must be s3://bucket/key")
	}

	obj, err := f.objects.GetObject(ctx, bucket, key, miniosdk.GetObjectOptions{})
	if err != nil {
		return nil, domain.NewTransientError("get media object", err)
	}

	// GetObject is lazy; Stat surfaces missing objects before the file is created
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, domain.NewTransientError("stat media object", err)
	}

	return obj, nil
}

// Remove deletes a scratch file; a missing file is not an error
func (f *Fetcher) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove scratch file %s: %w", path, err)
	}
	return nil
}
