package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	QueueRedis  = "redis"
	QueuePubsub = "pubsub"
	QueueMemory = "memory"

	ProviderFCM     = "fcm"
	ProviderAPNS    = "apns"
	ProviderWebPush = "webpush"

	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

type QueueConfig struct {
	Backend           string
	Name              string
	MaxAttempts       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	// Pub/Sub backend only.
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
}

type WorkerConfig struct {
	Concurrency     int
	ProviderTimeout time.Duration
	StoreTimeout    time.Duration
	QueueTimeout    time.Duration
	MinTokenLength  int
}

type APNSConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Sandbox      bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type ProviderConfig struct {
	Kind  string
	APNS  APNSConfig
	Vapid VapidConfig
}

type TokenStoreConfig struct {
	Backend     string
	PostgresDSN string
}

type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	TokenCacheEnabled bool
	TokenCacheTTL     time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID  string
	ListenAddr string

	Queue      QueueConfig
	Worker     WorkerConfig
	Provider   ProviderConfig
	TokenStore TokenStoreConfig
	Redis      RedisConfig
	CorsConfig middleware.CorsConfig
}

// UpdateConfigWithEnvOverrides applies environment variables, then defaults
// and validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = val
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = b
		}
	}

	str("PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}

	// Queue
	str("QUEUE_BACKEND", &cfg.Queue.Backend)
	str("QUEUE_NAME", &cfg.Queue.Name)
	num("MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	dur("VISIBILITY_TIMEOUT", &cfg.Queue.VisibilityTimeout)
	str("TOPIC_ID", &cfg.Queue.TopicID)
	str("SUBSCRIPTION_ID", &cfg.Queue.SubscriptionID)
	str("SUBSCRIPTION_DLQ_TOPIC_ID", &cfg.Queue.SubscriptionDLQTopicID)

	// Worker
	num("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	dur("PROVIDER_TIMEOUT", &cfg.Worker.ProviderTimeout)

	// Provider
	str("PUSH_PROVIDER", &cfg.Provider.Kind)
	str("APNS_KEY_ID", &cfg.Provider.APNS.KeyID)
	str("APNS_TEAM_ID", &cfg.Provider.APNS.TeamID)
	str("APNS_BUNDLE_ID", &cfg.Provider.APNS.BundleID)
	str("APNS_P8_KEY", &cfg.Provider.APNS.P8KeyContent)
	flag("APNS_SANDBOX", &cfg.Provider.APNS.Sandbox)
	str("VAPID_PUBLIC_KEY", &cfg.Provider.Vapid.PublicKey)
	str("VAPID_PRIVATE_KEY", &cfg.Provider.Vapid.PrivateKey)
	str("VAPID_SUB_EMAIL", &cfg.Provider.Vapid.SubscriberEmail)

	// Token store
	str("TOKEN_STORE", &cfg.TokenStore.Backend)
	str("POSTGRES_DSN", &cfg.TokenStore.PostgresDSN)

	// Redis
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	flag("TOKEN_CACHE_ENABLED", &cfg.Redis.TokenCacheEnabled)

	// CORS
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully",
		"queue_backend", cfg.Queue.Backend,
		"provider", cfg.Provider.Kind,
		"token_store", cfg.TokenStore.Backend,
	)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = QueueRedis
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "notifications"
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.VisibilityTimeout <= 0 {
		cfg.Queue.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Queue.BackoffBase <= 0 {
		cfg.Queue.BackoffBase = 5 * time.Second
	}
	if cfg.Queue.BackoffMax <= 0 {
		cfg.Queue.BackoffMax = 5 * time.Minute
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.ProviderTimeout <= 0 {
		cfg.Worker.ProviderTimeout = 10 * time.Second
	}
	if cfg.Worker.StoreTimeout <= 0 {
		cfg.Worker.StoreTimeout = 5 * time.Second
	}
	if cfg.Worker.QueueTimeout <= 0 {
		cfg.Worker.QueueTimeout = 5 * time.Second
	}
	if cfg.Worker.MinTokenLength <= 0 {
		cfg.Worker.MinTokenLength = 21
	}
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = ProviderFCM
	}
	if cfg.TokenStore.Backend == "" {
		cfg.TokenStore.Backend = StoreFirestore
	}
	if cfg.Redis.TokenCacheTTL <= 0 {
		cfg.Redis.TokenCacheTTL = 24 * time.Hour
	}
}

func validate(cfg *Config) error {
	needsProject := cfg.Queue.Backend == QueuePubsub || cfg.TokenStore.Backend == StoreFirestore || cfg.Provider.Kind == ProviderFCM
	if needsProject && cfg.ProjectID == "" {
		return fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}

	switch cfg.Queue.Backend {
	case QueueRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis queue (set via YAML or REDIS_ADDR env var)")
		}
	case QueuePubsub:
		if cfg.Queue.TopicID == "" || cfg.Queue.SubscriptionID == "" {
			return fmt.Errorf("topic_id and subscription_id are required for the pubsub queue")
		}
		// Pub/Sub only reports delivery attempts when a dead-letter policy exists.
		if cfg.Queue.SubscriptionDLQTopicID == "" {
			return fmt.Errorf("subscription_dlq_topic_id is required for the pubsub queue")
		}
	case QueueMemory:
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	switch cfg.Provider.Kind {
	case ProviderFCM:
	case ProviderAPNS:
		if cfg.Provider.APNS.P8KeyContent == "" || cfg.Provider.APNS.BundleID == "" {
			return fmt.Errorf("apns provider requires a p8 key and bundle id")
		}
	case ProviderWebPush:
		if cfg.Provider.Vapid.PublicKey == "" || cfg.Provider.Vapid.PrivateKey == "" {
			return fmt.Errorf("webpush provider requires VAPID keys")
		}
	default:
		return fmt.Errorf("unknown push provider %q", cfg.Provider.Kind)
	}

	switch cfg.TokenStore.Backend {
	case StoreFirestore:
	case StorePostgres:
		if cfg.TokenStore.PostgresDSN == "" {
			return fmt.Errorf("postgres token store requires a DSN (set via YAML or POSTGRES_DSN env var)")
		}
	default:
		return fmt.Errorf("unknown token store %q", cfg.TokenStore.Backend)
	}

	if cfg.Redis.TokenCacheEnabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("token cache requires redis.addr")
	}
	return nil
}
