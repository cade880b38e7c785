package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlQueueConfig struct {
	Backend                string `yaml:"backend"`
	Name                   string `yaml:"name"`
	MaxAttempts            int    `yaml:"max_attempts"`
	VisibilityTimeout      string `yaml:"visibility_timeout"`
	PollInterval           string `yaml:"poll_interval"`
	BackoffBase            string `yaml:"backoff_base"`
	BackoffMax             string `yaml:"backoff_max"`
	TopicID                string `yaml:"topic_id"`
	SubscriptionID         string `yaml:"subscription_id"`
	SubscriptionDLQTopicID string `yaml:"subscription_dlq_topic_id"`
}

type YamlWorkerConfig struct {
	Concurrency     int    `yaml:"concurrency"`
	ProviderTimeout string `yaml:"provider_timeout"`
	StoreTimeout    string `yaml:"store_timeout"`
	QueueTimeout    string `yaml:"queue_timeout"`
	MinTokenLength  int    `yaml:"min_token_length"`
}

type YamlAPNSConfig struct {
	KeyID    string `yaml:"key_id"`
	TeamID   string `yaml:"team_id"`
	BundleID string `yaml:"bundle_id"`
	Sandbox  bool   `yaml:"sandbox"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlProviderConfig struct {
	Kind  string          `yaml:"kind"`
	APNS  YamlAPNSConfig  `yaml:"apns"`
	Vapid YamlVapidConfig `yaml:"vapid"`
}

type YamlTokenStoreConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type YamlRedisConfig struct {
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	TokenCacheEnabled bool   `yaml:"token_cache_enabled"`
	TokenCacheTTL     string `yaml:"token_cache_ttl"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID  string               `yaml:"project_id"`
	ListenAddr string               `yaml:"listen_addr"`
	Queue      YamlQueueConfig      `yaml:"queue"`
	Worker     YamlWorkerConfig     `yaml:"worker"`
	Provider   YamlProviderConfig   `yaml:"provider"`
	TokenStore YamlTokenStoreConfig `yaml:"token_store"`
	Redis      YamlRedisConfig      `yaml:"redis"`
	CorsConfig YamlCorsConfig       `yaml:"cors"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// Durations are Go duration strings ("30s", "2m"); empty means default.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:  baseCfg.ProjectID,
		ListenAddr: baseCfg.ListenAddr,
		Queue: QueueConfig{
			Backend:                baseCfg.Queue.Backend,
			Name:                   baseCfg.Queue.Name,
			MaxAttempts:            baseCfg.Queue.MaxAttempts,
			TopicID:                baseCfg.Queue.TopicID,
			SubscriptionID:         baseCfg.Queue.SubscriptionID,
			SubscriptionDLQTopicID: baseCfg.Queue.SubscriptionDLQTopicID,
		},
		Worker: WorkerConfig{
			Concurrency:    baseCfg.Worker.Concurrency,
			MinTokenLength: baseCfg.Worker.MinTokenLength,
		},
		Provider: ProviderConfig{
			Kind: baseCfg.Provider.Kind,
			APNS: APNSConfig{
				KeyID:    baseCfg.Provider.APNS.KeyID,
				TeamID:   baseCfg.Provider.APNS.TeamID,
				BundleID: baseCfg.Provider.APNS.BundleID,
				Sandbox:  baseCfg.Provider.APNS.Sandbox,
			},
			Vapid: VapidConfig{
				PublicKey:       baseCfg.Provider.Vapid.PublicKey,
				PrivateKey:      baseCfg.Provider.Vapid.PrivateKey,
				SubscriberEmail: baseCfg.Provider.Vapid.SubscriberEmail,
			},
		},
		TokenStore: TokenStoreConfig{
			Backend:     baseCfg.TokenStore.Backend,
			PostgresDSN: baseCfg.TokenStore.PostgresDSN,
		},
		Redis: RedisConfig{
			Addr:              baseCfg.Redis.Addr,
			Password:          baseCfg.Redis.Password,
			DB:                baseCfg.Redis.DB,
			TokenCacheEnabled: baseCfg.Redis.TokenCacheEnabled,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"queue.visibility_timeout", baseCfg.Queue.VisibilityTimeout, &cfg.Queue.VisibilityTimeout},
		{"queue.poll_interval", baseCfg.Queue.PollInterval, &cfg.Queue.PollInterval},
		{"queue.backoff_base", baseCfg.Queue.BackoffBase, &cfg.Queue.BackoffBase},
		{"queue.backoff_max", baseCfg.Queue.BackoffMax, &cfg.Queue.BackoffMax},
		{"worker.provider_timeout", baseCfg.Worker.ProviderTimeout, &cfg.Worker.ProviderTimeout},
		{"worker.store_timeout", baseCfg.Worker.StoreTimeout, &cfg.Worker.StoreTimeout},
		{"worker.queue_timeout", baseCfg.Worker.QueueTimeout, &cfg.Worker.QueueTimeout},
		{"redis.token_cache_ttl", baseCfg.Redis.TokenCacheTTL, &cfg.Redis.TokenCacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"queue_backend", cfg.Queue.Backend,
	)

	return cfg, nil
}
