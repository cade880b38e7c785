package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-push-pipeline/internal/pipeline"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name    string
		code    string
		message string
		want    dispatch.ErrorKind
	}{
		{"fcm unregistered with prefix", "messaging/registration-token-not-registered", "", dispatch.KindInvalidToken},
		{"fcm unregistered without prefix", "registration-token-not-registered", "", dispatch.KindInvalidToken},
		{"fcm invalid token with prefix", "messaging/invalid-registration-token", "", dispatch.KindInvalidToken},
		{"code match is case-insensitive", "MESSAGING/Invalid-Registration-Token", "", dispatch.KindInvalidToken},
		{"apns bad device token", "BadDeviceToken", "", dispatch.KindInvalidToken},
		{"apns unregistered", "Unregistered", "", dispatch.KindInvalidToken},
		{"apns wrong topic", "DeviceTokenNotForTopic", "", dispatch.KindInvalidToken},
		{"web push gone", "gone", "push subscription has expired", dispatch.KindInvalidToken},
		{"legacy fcm NotRegistered", "NotRegistered", "", dispatch.KindInvalidToken},
		{
			"invalid-argument is rescued by message",
			"messaging/invalid-argument",
			"The registration token is not a valid FCM registration token",
			dispatch.KindInvalidToken,
		},
		{"message fallback with unknown code", "some-code", "Requested entity NOT-REGISTERED", dispatch.KindInvalidToken},
		{"message fallback without code", "", "token not registered with sender", dispatch.KindInvalidToken},
		{"invalid-argument alone is transient", "messaging/invalid-argument", "payload too large", dispatch.KindTransient},
		{"quota exceeded is transient", "messaging/quota-exceeded", "", dispatch.KindTransient},
		{"server unavailable is transient", "messaging/server-unavailable", "try later", dispatch.KindTransient},
		{"plain message is transient", "", "connection reset by peer", dispatch.KindTransient},
		{"nothing to go on is unknown", "", "  ", dispatch.KindUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pipeline.Classify(tc.code, tc.message))
		})
	}
}

func TestClassifyResult(t *testing.T) {
	t.Run("success is none", func(t *testing.T) {
		assert.Equal(t, dispatch.KindNone, pipeline.ClassifyResult(dispatch.Result{Success: true, ErrorCode: "ignored"}))
	})

	t.Run("failure without details is unknown", func(t *testing.T) {
		assert.Equal(t, dispatch.KindUnknown, pipeline.ClassifyResult(dispatch.Result{}))
	})

	t.Run("failure with code is classified", func(t *testing.T) {
		r := dispatch.Result{ErrorCode: "messaging/registration-token-not-registered"}
		assert.Equal(t, dispatch.KindInvalidToken, pipeline.ClassifyResult(r))
	})
}

func TestClassifyError(t *testing.T) {
	t.Run("nil is none", func(t *testing.T) {
		assert.Equal(t, dispatch.KindNone, pipeline.ClassifyError(nil))
	})

	t.Run("deadline exceeded is transient even with invalid-looking text", func(t *testing.T) {
		err := fmt.Errorf("token not registered: %w", context.DeadlineExceeded)
		assert.Equal(t, dispatch.KindTransient, pipeline.ClassifyError(err))
	})

	t.Run("cancelled is transient", func(t *testing.T) {
		assert.Equal(t, dispatch.KindTransient, pipeline.ClassifyError(context.Canceled))
	})

	t.Run("wrapped provider error uses its code", func(t *testing.T) {
		err := fmt.Errorf("send many: %w", &dispatch.ProviderError{
			Code:    "messaging/invalid-argument",
			Message: "The registration token is not a valid FCM registration token",
		})
		assert.Equal(t, dispatch.KindInvalidToken, pipeline.ClassifyError(err))
	})

	t.Run("provider error without details is transient", func(t *testing.T) {
		assert.Equal(t, dispatch.KindTransient, pipeline.ClassifyError(&dispatch.ProviderError{}))
	})

	t.Run("plain error falls back to message", func(t *testing.T) {
		assert.Equal(t, dispatch.KindInvalidToken, pipeline.ClassifyError(errors.New("Not-Registered")))
		assert.Equal(t, dispatch.KindTransient, pipeline.ClassifyError(errors.New("503 service unavailable")))
	})
}
