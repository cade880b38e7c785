package notificationservice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-pipeline/internal/queue"
	"github.com/tinywideclouds/go-push-pipeline/notificationservice"
	"github.com/tinywideclouds/go-push-pipeline/notificationservice/config"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// recordingProvider accepts every token and remembers what it sent.
type recordingProvider struct {
	mu   sync.Mutex
	sent map[string]dispatch.Message
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{sent: make(map[string]dispatch.Message)}
}

func (p *recordingProvider) SendOne(_ context.Context, token string, msg dispatch.Message) (dispatch.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[token] = msg
	return dispatch.Result{Token: token, Success: true, MessageID: "m-" + token[:4]}, nil
}

func (p *recordingProvider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *recordingProvider) Sent(token string) (dispatch.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sent[token]
	return m, ok
}

// memoryRegistry is a TokenRegistry kept in a map.
type memoryRegistry struct {
	mu     sync.Mutex
	tokens map[string]dispatch.DeviceToken
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{tokens: make(map[string]dispatch.DeviceToken)}
}

func (r *memoryRegistry) ListTokensForUser(_ context.Context, userID string) ([]dispatch.DeviceToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.DeviceToken
	for _, t := range r.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memoryRegistry) DeleteTokens(_ context.Context, tokens []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tokens {
		delete(r.tokens, t)
	}
	return nil
}

func (r *memoryRegistry) RegisterToken(_ context.Context, token dispatch.DeviceToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.Token] = token
	return nil
}

// userAuth stands in for the JWKS middleware.
func userAuth(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.ContextWithUserID(r.Context(), userID)))
		})
	}
}

func newService(t *testing.T, q queue.Queue, provider dispatch.PushProvider, store dispatch.TokenStore) *notificationservice.Wrapper {
	t.Helper()
	cfg := &config.Config{
		ListenAddr: ":0",
		Queue:      config.QueueConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
		Worker:     config.WorkerConfig{Concurrency: 2, ProviderTimeout: time.Second, StoreTimeout: time.Second, QueueTimeout: time.Second},
	}
	svc, err := notificationservice.New(cfg, notificationservice.Dependencies{
		Queue:          q,
		Provider:       provider,
		TokenStore:     store,
		AuthMiddleware: userAuth("user-1"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func serve(svc *notificationservice.Wrapper, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	w := httptest.NewRecorder()
	svc.Mux().ServeHTTP(w, httptest.NewRequest(method, path, reader))
	return w
}

func TestService_RegisterEnqueueDeliver(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{PollInterval: 10 * time.Millisecond})
	provider := newRecordingProvider()
	store := newMemoryRegistry()
	svc := newService(t, q, provider, store)

	token := "android-token-" + strings.Repeat("9", 20)
	w := serve(svc, http.MethodPost, "/api/v1/tokens", map[string]string{"token": token, "device_type": "android"})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = serve(svc, http.MethodPost, "/api/v1/notifications", map[string]any{
		"recipient_id": "user-1",
		"title":        "Hello",
		"body":         "World",
		"data":         map[string]any{"count": 3},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	// Start blocks serving HTTP; the worker is what we exercise here.
	go func() { _ = svc.Start(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		_, ok := provider.Sent(token)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	msg, _ := provider.Sent(token)
	assert.Equal(t, dispatch.Message{Title: "Hello", Body: "World", Data: map[string]string{"count": "3"}}, msg)

	require.Eventually(t, func() bool { return svc.Metrics().JobsCompleted.Get() == 1 }, 5*time.Second, 20*time.Millisecond)

	w = serve(svc, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `push_jobs_total{state="completed"} 1`)

	w = serve(svc, http.MethodGet, "/admin/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, queue.Stats{}, stats)
}

func TestService_NotifierSharesQueue(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	svc := newService(t, q, newRecordingProvider(), newMemoryRegistry())

	handle, err := svc.Notifier().Enqueue(context.Background(), "user-2", "t", "b", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ID)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
}

func TestService_RequiresAuthMiddleware(t *testing.T) {
	_, err := notificationservice.New(&config.Config{}, notificationservice.Dependencies{
		Queue:      queue.NewMemoryQueue(queue.Options{}),
		Provider:   newRecordingProvider(),
		TokenStore: newMemoryRegistry(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
