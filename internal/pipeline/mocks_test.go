package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// longToken builds a token that passes the minimum-length filter.
func longToken(prefix string) string {
	return prefix + strings.Repeat("x", 40)
}

func deviceTokens(user string, tokens ...string) []dispatch.DeviceToken {
	out := make([]dispatch.DeviceToken, len(tokens))
	for i, t := range tokens {
		out[i] = dispatch.DeviceToken{Token: t, UserID: user, DeviceType: dispatch.DeviceAndroid}
	}
	return out
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) SendOne(ctx context.Context, token string, msg dispatch.Message) (dispatch.Result, error) {
	args := m.Called(ctx, token, msg)
	return args.Get(0).(dispatch.Result), args.Error(1)
}

type mockMulticastProvider struct {
	mockProvider
}

func (m *mockMulticastProvider) SendMany(ctx context.Context, tokens []string, msg dispatch.Message) ([]dispatch.Result, error) {
	args := m.Called(ctx, tokens, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.Result), args.Error(1)
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) ListTokensForUser(ctx context.Context, userID string) ([]dispatch.DeviceToken, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.DeviceToken), args.Error(1)
}

func (m *mockTokenStore) DeleteTokens(ctx context.Context, tokens []string) error {
	return m.Called(ctx, tokens).Error(0)
}

func ok(token string) dispatch.Result {
	return dispatch.Result{Token: token, Success: true, MessageID: "msg-" + token[:4]}
}

func failed(token, code, message string) dispatch.Result {
	return dispatch.Result{Token: token, ErrorCode: code, ErrorMessage: message}
}
