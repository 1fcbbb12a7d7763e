package router

import (
	"context"
	"net/http"
)

// OpsDependencies holds what the worker's ops endpoints expose
type OpsDependencies struct {
	// Ready reports whether the worker's dependencies are reachable
	Ready func(ctx context.Context) error
	// Metrics serves the Prometheus exposition format
	Metrics http.Handler
}
