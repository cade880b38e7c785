package apns_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-pipeline/internal/platform/apns"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func TestAPNSProvider_SendOne(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	msg := dispatch.Message{Title: "Hello iOS", Data: map[string]string{"msg_id": "123"}}

	t.Run("Happy Path - Success", func(t *testing.T) {
		client := new(MockAPNSClient)
		client.On("Push", ctx, mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == "token-1" && n.Topic == "com.test.app"
		})).Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}, nil)

		res, err := apns.NewProviderWithClient(client, "com.test.app", logger).SendOne(ctx, "token-1", msg)
		require.NoError(t, err)
		assert.Equal(t, dispatch.Result{Token: "token-1", Success: true, MessageID: "apns-1"}, res)
		client.AssertExpectations(t)
	})

	t.Run("Bad Device Token carries the reason", func(t *testing.T) {
		client := new(MockAPNSClient)
		client.On("Push", ctx, mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonBadDeviceToken,
		}, nil)

		res, err := apns.NewProviderWithClient(client, "com.test.app", logger).SendOne(ctx, "bad-token", msg)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, apns2.ReasonBadDeviceToken, res.ErrorCode)
	})

	t.Run("Transport Failure is a provider error", func(t *testing.T) {
		client := new(MockAPNSClient)
		client.On("Push", ctx, mock.Anything).Return(nil, errors.New("connection refused"))

		_, err := apns.NewProviderWithClient(client, "com.test.app", logger).SendOne(ctx, "token-1", msg)
		var perr *dispatch.ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "connection refused", perr.Message)
	})
}

func TestNewProvider_RejectsBadKey(t *testing.T) {
	_, err := apns.NewProvider(apns.Config{P8KeyContent: "not a key"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
