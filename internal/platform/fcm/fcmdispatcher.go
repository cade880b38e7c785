package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// MaxMulticastTokens is the FCM limit for a single multicast request.
const MaxMulticastTokens = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Provider delivers through Firebase Cloud Messaging.
type Provider struct {
	client MessagingClient
	icon   string
	logger *slog.Logger
}

var _ dispatch.MulticastProvider = (*Provider)(nil)

func NewProvider(client MessagingClient, logger *slog.Logger) *Provider {
	return &Provider{
		client: client,
		icon:   "/assets/icons/icon-192x192.png",
		logger: logger.With("component", "FCMProvider"),
	}
}

func (p *Provider) SendOne(ctx context.Context, token string, msg dispatch.Message) (dispatch.Result, error) {
	id, err := p.client.Send(ctx, &messaging.Message{
		Token:        token,
		Data:         msg.Data,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Webpush:      p.webpush(msg),
	})
	if err != nil {
		// Send reports per-token rejection and transport failure the same
		// way; both become a failed Result and the classifier sorts them.
		return failure(token, err), nil
	}
	return dispatch.Result{Token: token, Success: true, MessageID: id}, nil
}

// SendMany fans out in chunks of MaxMulticastTokens. Results follow the
// order of tokens. A chunk-level failure aborts the remaining chunks.
func (p *Provider) SendMany(ctx context.Context, tokens []string, msg dispatch.Message) ([]dispatch.Result, error) {
	results := make([]dispatch.Result, 0, len(tokens))
	for start := 0; start < len(tokens); start += MaxMulticastTokens {
		end := min(start+MaxMulticastTokens, len(tokens))
		chunk := tokens[start:end]

		br, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       chunk,
			Data:         msg.Data,
			Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
			Webpush:      p.webpush(msg),
		})
		if err != nil {
			code, message := errorCode(err)
			return nil, &dispatch.ProviderError{Code: code, Message: message, Err: err}
		}

		for i, token := range chunk {
			if i >= len(br.Responses) || br.Responses[i] == nil {
				results = append(results, dispatch.Result{Token: token, ErrorMessage: "no response for token"})
				continue
			}
			resp := br.Responses[i]
			if resp.Success {
				results = append(results, dispatch.Result{Token: token, Success: true, MessageID: resp.MessageID})
				continue
			}
			results = append(results, failure(token, resp.Error))
		}

		p.logger.Debug("Multicast chunk sent", "tokens", len(chunk), "success", br.SuccessCount, "failure", br.FailureCount)
	}
	return results, nil
}

func (p *Provider) webpush(msg dispatch.Message) *messaging.WebpushConfig {
	return &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: msg.Title,
			Body:  msg.Body,
			Icon:  p.icon,
		},
	}
}

func failure(token string, err error) dispatch.Result {
	code, message := errorCode(err)
	return dispatch.Result{Token: token, ErrorCode: code, ErrorMessage: message}
}

// errorCode maps SDK errors onto the "messaging/..." codes used in logs and
// classification. Unrecognised errors keep only their message.
func errorCode(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	var code string
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err), messaging.IsUnregistered(err):
		code = "messaging/registration-token-not-registered"
	case messaging.IsSenderIDMismatch(err):
		code = "messaging/sender-id-mismatch"
	case messaging.IsInvalidArgument(err):
		code = "messaging/invalid-argument"
	case messaging.IsQuotaExceeded(err):
		code = "messaging/quota-exceeded"
	case messaging.IsUnavailable(err):
		code = "messaging/server-unavailable"
	case messaging.IsInternal(err):
		code = "messaging/internal-error"
	case messaging.IsThirdPartyAuthError(err):
		code = "messaging/third-party-auth-error"
	}
	return code, fmt.Sprint(err)
}
