package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-pipeline/internal/platform/web"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// subscriptionToken builds a browser-shaped subscription with real P-256 keys
// so payload encryption succeeds.
func subscriptionToken(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	var sub web.Subscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(auth)
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	return string(raw)
}

func TestWebProvider_SendOne(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/success":
			w.Header().Set("Location", "/m/1")
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	provider := web.NewProvider(web.Config{
		PrivateKey:      privateKey,
		PublicKey:       publicKey,
		SubscriberEmail: "test-runner@example.com",
		HTTPClient:      mockServer.Client(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	msg := dispatch.Message{Title: "Test", Body: "Body", Data: map[string]string{"id": "1"}}

	t.Run("accepted", func(t *testing.T) {
		token := subscriptionToken(t, mockServer.URL+"/success")
		res, err := provider.SendOne(ctx, token, msg)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "/m/1", res.MessageID)
	})

	t.Run("gone subscription", func(t *testing.T) {
		res, err := provider.SendOne(ctx, subscriptionToken(t, mockServer.URL+"/expired"), msg)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, web.CodeGone, res.ErrorCode)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		res, err := provider.SendOne(ctx, subscriptionToken(t, mockServer.URL+"/missing"), msg)
		require.NoError(t, err)
		assert.Equal(t, web.CodeNotFound, res.ErrorCode)
	})

	t.Run("server error", func(t *testing.T) {
		res, err := provider.SendOne(ctx, subscriptionToken(t, mockServer.URL+"/error"), msg)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "http-500", res.ErrorCode)
	})

	t.Run("token that is not a subscription", func(t *testing.T) {
		res, err := provider.SendOne(ctx, "plain-fcm-looking-token", msg)
		require.NoError(t, err)
		assert.Equal(t, web.CodeInvalidSubscription, res.ErrorCode)
	})
}
