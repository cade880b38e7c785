package notificationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-pipeline/internal/api"
	"github.com/tinywideclouds/go-push-pipeline/internal/pipeline"
	"github.com/tinywideclouds/go-push-pipeline/internal/queue"
	"github.com/tinywideclouds/go-push-pipeline/internal/retry"
	"github.com/tinywideclouds/go-push-pipeline/notificationservice/config"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
	"github.com/tinywideclouds/go-push-pipeline/pkg/notify"
)

// Dependencies are the collaborators built by main (or a test).
type Dependencies struct {
	Queue      queue.Queue
	Provider   dispatch.PushProvider
	TokenStore dispatch.TokenStore
	// AuthMiddleware guards every route except /metrics.
	AuthMiddleware func(http.Handler) http.Handler
}

type Wrapper struct {
	*microservice.BaseServer
	worker   *pipeline.Worker
	notifier *notify.Notifier
	metrics  *pipeline.Metrics
	logger   *slog.Logger
}

// New assembles the service.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	if deps.AuthMiddleware == nil {
		return nil, fmt.Errorf("auth middleware is required")
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Worker
	metrics := pipeline.NewMetrics()
	worker, err := pipeline.NewWorker(deps.Queue, deps.Provider, deps.TokenStore, pipeline.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      retry.ExponentialBackoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax, Jitter: 0.2},
		QueueTimeout: cfg.Worker.QueueTimeout,
		Processor: pipeline.ProcessorConfig{
			MinTokenLength:  cfg.Worker.MinTokenLength,
			ProviderTimeout: cfg.Worker.ProviderTimeout,
			StoreTimeout:    cfg.Worker.StoreTimeout,
		},
	}, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	// 3. Producer
	notifier := notify.New(deps.Queue, logger, notify.WithTimeout(cfg.Worker.QueueTimeout))

	// 4. Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(deps.AuthMiddleware(handlerFunc)))
	}

	notifyAPI := api.NewNotifyAPI(notifier, logger)
	handle("POST /api/v1/notifications", notifyAPI.Enqueue)

	if registry, ok := deps.TokenStore.(dispatch.TokenRegistry); ok {
		tokenAPI := api.NewTokenAPI(registry, logger)
		handle("POST /api/v1/tokens", tokenAPI.RegisterToken)
		handle("POST /api/v1/tokens/unregister", tokenAPI.UnregisterToken)
	} else {
		logger.Warn("Token store is read-only; registration routes disabled")
	}

	var inspector queue.Inspector
	if i, ok := deps.Queue.(queue.Inspector); ok {
		inspector = i
	}
	adminAPI := api.NewAdminAPI(inspector, logger)
	handle("GET /admin/queue/stats", adminAPI.Stats)
	handle("GET /admin/dead-letters", adminAPI.DeadLetters)
	handle("POST /admin/dead-letters/{id}/replay", adminAPI.Replay)

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w)
	})

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer: baseServer,
		worker:     worker,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Notifier is the in-process producer sharing this service's queue.
func (w *Wrapper) Notifier() *notify.Notifier {
	return w.notifier
}

func (w *Wrapper) Metrics() *pipeline.Metrics {
	return w.metrics
}

// Start runs the worker, then blocks serving HTTP.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Delivery worker starting...")
	if err := w.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery worker: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops claiming, waits for in-flight jobs until ctx expires, then
// stops the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)
	var finalErr error
	if err := w.worker.Stop(ctx); err != nil {
		w.logger.Error("Delivery worker shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
