// Package apns provides the push provider for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// APNSClient defines the subset of the apns2 client we use.
type APNSClient interface {
	Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error)
}

// tokenClient adapts *apns2.Client so every push honours the caller's context.
type tokenClient struct {
	client *apns2.Client
}

func (c tokenClient) Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
	return c.client.PushWithContext(ctx, n)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Sandbox routes pushes to the development gateway.
	Sandbox bool
}

// Provider sends one HTTP/2 request per token; APNs has no multicast endpoint.
type Provider struct {
	client APNSClient
	topic  string
	logger *slog.Logger
}

var _ dispatch.PushProvider = (*Provider)(nil)

// NewProvider parses the P8 key immediately to fail fast on bad credentials.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return NewProviderWithClient(tokenClient{client: client}, cfg.BundleID, logger), nil
}

func NewProviderWithClient(client APNSClient, topic string, logger *slog.Logger) *Provider {
	return &Provider{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSProvider"),
	}
}

func (p *Provider) SendOne(ctx context.Context, deviceToken string, msg dispatch.Message) (dispatch.Result, error) {
	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body)
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}

	res, err := p.client.Push(ctx, &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       p.topic,
		Payload:     builder,
	})
	if err != nil {
		return dispatch.Result{}, &dispatch.ProviderError{Message: err.Error(), Err: err}
	}

	if res.Sent() {
		return dispatch.Result{Token: deviceToken, Success: true, MessageID: res.ApnsID}, nil
	}

	// Reasons such as BadDeviceToken or Unregistered name a dead token; the
	// rest (TopicDisallowed, PayloadEmpty) point at our own configuration.
	p.logger.Debug("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
	return dispatch.Result{
		Token:        deviceToken,
		ErrorCode:    res.Reason,
		ErrorMessage: fmt.Sprintf("apns status %d: %s", res.StatusCode, res.Reason),
	}, nil
}
