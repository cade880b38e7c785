package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-pipeline/notificationservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:  "base-project",
			ListenAddr: ":8080",
			Queue:      config.QueueConfig{Backend: config.QueueRedis},
			Redis:      config.RedisConfig{Addr: "localhost:6379"},
			Provider: config.ProviderConfig{
				Vapid: config.VapidConfig{PublicKey: "base-pub", PrivateKey: "base-priv"},
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("QUEUE_NAME", "pushes")
		t.Setenv("MAX_ATTEMPTS", "3")
		t.Setenv("VISIBILITY_TIMEOUT", "45s")
		t.Setenv("WORKER_CONCURRENCY", "8")
		t.Setenv("PROVIDER_TIMEOUT", "4s")
		t.Setenv("PUSH_PROVIDER", "webpush")
		t.Setenv("VAPID_PUBLIC_KEY", "env-pub")
		t.Setenv("VAPID_PRIVATE_KEY", "env-priv")
		t.Setenv("VAPID_SUB_EMAIL", "env@test.com")
		t.Setenv("TOKEN_CACHE_ENABLED", "true")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "pushes", finalCfg.Queue.Name)
		assert.Equal(t, 3, finalCfg.Queue.MaxAttempts)
		assert.Equal(t, 45*time.Second, finalCfg.Queue.VisibilityTimeout)
		assert.Equal(t, 8, finalCfg.Worker.Concurrency)
		assert.Equal(t, 4*time.Second, finalCfg.Worker.ProviderTimeout)
		assert.Equal(t, config.ProviderWebPush, finalCfg.Provider.Kind)
		assert.Equal(t, "env-pub", finalCfg.Provider.Vapid.PublicKey)
		assert.Equal(t, "env-priv", finalCfg.Provider.Vapid.PrivateKey)
		assert.Equal(t, "env@test.com", finalCfg.Provider.Vapid.SubscriberEmail)
		assert.True(t, finalCfg.Redis.TokenCacheEnabled)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, finalCfg.CorsConfig.AllowedOrigins)
	})

	t.Run("Success - Defaults applied", func(t *testing.T) {
		finalCfg, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, "notifications", finalCfg.Queue.Name)
		assert.Equal(t, 5, finalCfg.Queue.MaxAttempts)
		assert.Equal(t, 2*time.Minute, finalCfg.Queue.VisibilityTimeout)
		assert.Equal(t, 4, finalCfg.Worker.Concurrency)
		assert.Equal(t, 10*time.Second, finalCfg.Worker.ProviderTimeout)
		assert.Equal(t, 21, finalCfg.Worker.MinTokenLength)
		assert.Equal(t, config.ProviderFCM, finalCfg.Provider.Kind)
		assert.Equal(t, config.StoreFirestore, finalCfg.TokenStore.Backend)
		assert.Equal(t, 24*time.Hour, finalCfg.Redis.TokenCacheTTL)
	})

	t.Run("Failure - malformed env values", func(t *testing.T) {
		t.Setenv("MAX_ATTEMPTS", "five")
		_, err := config.UpdateConfigWithEnvOverrides(baseConfig(), logger)
		assert.ErrorContains(t, err, "MAX_ATTEMPTS")
	})

	validationCases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing project id", func(c *config.Config) { c.ProjectID = "" }},
		{"redis queue without address", func(c *config.Config) { c.Redis.Addr = "" }},
		{"pubsub queue without dead-letter topic", func(c *config.Config) {
			c.Queue = config.QueueConfig{Backend: config.QueuePubsub, TopicID: "t", SubscriptionID: "s"}
		}},
		{"unknown queue backend", func(c *config.Config) { c.Queue.Backend = "kafka" }},
		{"unknown provider", func(c *config.Config) { c.Provider.Kind = "sms" }},
		{"apns without key", func(c *config.Config) { c.Provider.Kind = config.ProviderAPNS }},
		{"postgres without dsn", func(c *config.Config) { c.TokenStore.Backend = config.StorePostgres }},
	}
	for _, tc := range validationCases {
		t.Run("Validation Failure - "+tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(cfg)
			_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
			assert.Error(t, err)
		})
	}

	t.Run("Memory queue needs no infrastructure", func(t *testing.T) {
		cfg := &config.Config{
			Queue:      config.QueueConfig{Backend: config.QueueMemory},
			Provider:   config.ProviderConfig{Kind: config.ProviderWebPush, Vapid: config.VapidConfig{PublicKey: "p", PrivateKey: "k"}},
			TokenStore: config.TokenStoreConfig{Backend: config.StorePostgres, PostgresDSN: "postgres://x"},
		}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.NoError(t, err)
	})
}
