package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-pipeline/internal/platform/apns"
	"github.com/tinywideclouds/go-push-pipeline/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-pipeline/internal/platform/web"
	"github.com/tinywideclouds/go-push-pipeline/internal/queue"
	"github.com/tinywideclouds/go-push-pipeline/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-pipeline/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-pipeline/internal/storage/postgres"
	"github.com/tinywideclouds/go-push-pipeline/notificationservice"
	"github.com/tinywideclouds/go-push-pipeline/notificationservice/config"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-pipeline")
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Service exited with error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return fmt.Errorf("invalid yaml config: %w", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return fmt.Errorf("config failed: %w", err)
	}

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// --- Redis (queue backend and/or token cache) ---
	var redisClient *cache.RedisClient
	if cfg.Queue.Backend == config.QueueRedis || cfg.Redis.TokenCacheEnabled {
		redisClient, err = cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
	}

	// --- Queue ---
	q, closeQueue, err := newQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeQueue)

	// --- Token Store (Decorated) ---
	tokenStore, closeStore, err := newTokenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	if cfg.Redis.TokenCacheEnabled {
		tokenStore = cache.NewCachedTokenStore(tokenStore, redisClient, cfg.Redis.TokenCacheTTL, logger)
		logger.Info("TokenStore upgraded", "type", "redis_cached_"+cfg.TokenStore.Backend)
	}

	// --- Provider ---
	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		return fmt.Errorf("failed to discover JWT config: %w", err)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create auth middleware: %w", err)
	}

	service, err := notificationservice.New(cfg, notificationservice.Dependencies{
		Queue:          q,
		Provider:       provider,
		TokenStore:     tokenStore,
		AuthMiddleware: authMiddleware,
	}, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr, "queue", cfg.Queue.Backend, "provider", cfg.Provider.Kind)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.VisibilityTimeout)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}

func newQueue(ctx context.Context, cfg *config.Config, redisClient *cache.RedisClient, logger *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case config.QueueRedis:
		q := queue.NewRedisQueue(redisClient.Universal(), queue.Options{
			Name:              cfg.Queue.Name,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Queue.PollInterval,
		}, logger)
		logger.Info("Queue initialized", "type", "redis", "name", cfg.Queue.Name)
		return q, func() {}, nil

	case config.QueuePubsub:
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client failed: %w", err)
		}
		psCfg := queue.PubsubConfig{
			ProjectID:         cfg.ProjectID,
			TopicID:           cfg.Queue.TopicID,
			SubscriptionID:    cfg.Queue.SubscriptionID,
			DLQTopicID:        cfg.Queue.SubscriptionDLQTopicID,
			MaxAttempts:       cfg.Queue.MaxAttempts,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MinBackoff:        cfg.Queue.BackoffBase,
			MaxBackoff:        cfg.Queue.BackoffMax,
			MaxOutstanding:    cfg.Worker.Concurrency * 2,
		}
		if err := queue.EnsureSubscription(ctx, psClient, psCfg, logger); err != nil {
			_ = psClient.Close()
			return nil, nil, err
		}
		q := queue.NewPubsubQueue(psClient, psCfg, logger)
		logger.Info("Queue initialized", "type", "pubsub", "subscription", psCfg.SubscriptionID)
		return q, func() {
			q.Close()
			_ = psClient.Close()
		}, nil

	case config.QueueMemory:
		logger.Warn("Using in-memory queue; jobs do not survive a restart")
		return queue.NewMemoryQueue(queue.Options{
			Name:              cfg.Queue.Name,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Queue.PollInterval,
		}), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

func newTokenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.TokenStore, func(), error) {
	switch cfg.TokenStore.Backend {
	case config.StoreFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("TokenStore initialized", "type", "firestore")
		return fsStore.NewFirestoreStore(fsClient), func() { _ = fsClient.Close() }, nil

	case config.StorePostgres:
		store, err := postgres.Open(cfg.TokenStore.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store failed: %w", err)
		}
		logger.Info("TokenStore initialized", "type", "postgres")
		return store, func() { _ = store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown token store %q", cfg.TokenStore.Backend)
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.PushProvider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderFCM:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewProvider(fcmMessaging, logger), nil

	case config.ProviderAPNS:
		p, err := apns.NewProvider(apns.Config{
			KeyID:        cfg.Provider.APNS.KeyID,
			TeamID:       cfg.Provider.APNS.TeamID,
			BundleID:     cfg.Provider.APNS.BundleID,
			P8KeyContent: cfg.Provider.APNS.P8KeyContent,
			Sandbox:      cfg.Provider.APNS.Sandbox,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create APNs provider: %w", err)
		}
		return p, nil

	case config.ProviderWebPush:
		logger.Info("Web Push provider enabled", "public_key", cfg.Provider.Vapid.PublicKey)
		return web.NewProvider(web.Config{
			SubscriberEmail: cfg.Provider.Vapid.SubscriberEmail,
			PublicKey:       cfg.Provider.Vapid.PublicKey,
			PrivateKey:      cfg.Provider.Vapid.PrivateKey,
			HTTPClient:      &http.Client{Timeout: cfg.Worker.ProviderTimeout},
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown push provider %q", cfg.Provider.Kind)
}
