package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/video-publisher/internal/api/model"
	"github.com/cuongbtq/video-publisher/internal/api/storage"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
)

// RequestStore is the storage used by the handlers
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*model.PublishRequest, error)
	ListRequests(ctx context.Context, filter storage.RequestFilter) ([]model.PublishRequest, error)
	ResetForRetry(ctx context.Context, id string) (map[string]any, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Storage RequestStore
	Emitter feed.Emitter
}

// RequestHandler handles publish request HTTP requests
type RequestHandler struct {
	logger  *slog.Logger
	storage RequestStore
	emitter feed.Emitter
}

// NewRequestHandler creates a new RequestHandler instance
func NewRequestHandler(deps *Dependencies) *RequestHandler {
	return &RequestHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
		emitter: deps.Emitter,
	}
}
