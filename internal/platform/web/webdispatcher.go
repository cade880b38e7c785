package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// Error codes reported in Result.ErrorCode. Gone and NotFound mark a
// subscription the browser has dropped.
const (
	CodeInvalidSubscription = "invalid-subscription"
	CodeGone                = "gone"
	CodeNotFound            = "not-found"
)

// Config carries the VAPID identity used to sign push requests.
type Config struct {
	SubscriberEmail string
	PublicKey       string
	PrivateKey      string
	TTL             int
	HTTPClient      *http.Client
}

// Subscription is the browser PushSubscription JSON stored as the device token.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Provider delivers to browsers through their push service.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

var _ dispatch.PushProvider = (*Provider)(nil)

func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = 60
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.With("component", "WebPushProvider"),
	}
}

// SendOne treats the token as a serialized PushSubscription.
func (p *Provider) SendOne(ctx context.Context, token string, msg dispatch.Message) (dispatch.Result, error) {
	var sub Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil || sub.Endpoint == "" {
		return dispatch.Result{
			Token:        token,
			ErrorCode:    CodeInvalidSubscription,
			ErrorMessage: "token is not a push subscription",
		}, nil
	}

	body, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		Subscriber:      p.cfg.SubscriberEmail,
		VAPIDPublicKey:  p.cfg.PublicKey,
		VAPIDPrivateKey: p.cfg.PrivateKey,
		TTL:             p.cfg.TTL,
		HTTPClient:      p.cfg.HTTPClient,
	})
	if err != nil {
		return dispatch.Result{}, &dispatch.ProviderError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return dispatch.Result{Token: token, Success: true, MessageID: resp.Header.Get("Location")}, nil
	case http.StatusGone:
		return failure(token, CodeGone, resp.StatusCode), nil
	case http.StatusNotFound:
		return failure(token, CodeNotFound, resp.StatusCode), nil
	default:
		p.logger.Debug("WebPush rejected", "status", resp.StatusCode)
		return failure(token, fmt.Sprintf("http-%d", resp.StatusCode), resp.StatusCode), nil
	}
}

func failure(token, code string, status int) dispatch.Result {
	return dispatch.Result{
		Token:        token,
		ErrorCode:    code,
		ErrorMessage: fmt.Sprintf("push service returned %d", status),
	}
}
