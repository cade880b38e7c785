// Package dispatch defines the contracts between the delivery worker and the
// systems it drives: push providers that talk to the outside world and the
// token store that knows where a user's devices are.
package dispatch

import (
	"context"
	"fmt"
)

// Message is the provider-ready form of a NotificationJob.
// Data values have already been coerced to strings.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Result is the per-token answer from a provider.
// ErrorCode is the provider's machine-readable reason (e.g.
// "messaging/registration-token-not-registered", "BadDeviceToken", "gone").
type Result struct {
	Token        string
	Success      bool
	MessageID    string
	ErrorCode    string
	ErrorMessage string
}

// PushProvider sends a message to a single device token.
//
// A non-nil error means the call itself failed (transport, auth, timeout).
// A provider that reached the device service and was told "no" returns a
// Result with Success=false and a nil error.
type PushProvider interface {
	SendOne(ctx context.Context, token string, msg Message) (Result, error)
}

// MulticastProvider is a PushProvider that can also fan a single message out
// to many tokens in one call. Results are index-aligned with tokens.
type MulticastProvider interface {
	PushProvider
	SendMany(ctx context.Context, tokens []string, msg Message) ([]Result, error)
}

// TokenStore is the persistent registry of device tokens.
type TokenStore interface {
	// ListTokensForUser returns every registered token for the user.
	ListTokensForUser(ctx context.Context, userID string) ([]DeviceToken, error)
	// DeleteTokens removes the given tokens, ignoring ones that do not exist.
	DeleteTokens(ctx context.Context, tokens []string) error
}

// TokenRegistry is implemented by stores that also accept registrations.
// Registering an existing token moves it to the new owner.
type TokenRegistry interface {
	TokenStore
	RegisterToken(ctx context.Context, token DeviceToken) error
}

// ProviderError is a structured top-level failure reported by a provider,
// carrying the provider's error code so it can be classified.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
