package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// invalidTokenCodes are provider codes that mean the token will never work
// again. Codes are compared lowercased with any "messaging/" prefix removed.
var invalidTokenCodes = map[string]struct{}{
	// FCM
	"invalid-registration-token":        {},
	"registration-token-not-registered": {},
	"unregistered":                      {},
	"notregistered":                     {},
	"invalidregistration":               {},
	// APNs
	"baddevicetoken":         {},
	"devicetokennotfortopic": {},
	// Web Push
	"gone":                 {},
	"not-found":            {},
	"invalid-subscription": {},
}

// invalidTokenPhrases catch providers that only describe the problem in the
// message. Matched case-insensitively as substrings.
var invalidTokenPhrases = []string{
	"not a valid fcm registration token",
	"registration token is not a valid",
	"not-registered",
	"not registered",
	"invalid registration token",
	"invalid-registration-token",
	"bad device token",
}

// Classify maps a provider error code and message to an ErrorKind.
// The code is consulted first; the message is only a fallback for providers
// that do not set a recognisable code.
func Classify(code, message string) dispatch.ErrorKind {
	normalized := normalizeCode(code)
	if _, ok := invalidTokenCodes[normalized]; ok {
		return dispatch.KindInvalidToken
	}
	// FCM reports malformed tokens as a generic invalid-argument; only the
	// message tells them apart from a bad payload.
	lowerMsg := strings.ToLower(message)
	for _, phrase := range invalidTokenPhrases {
		if strings.Contains(lowerMsg, phrase) {
			return dispatch.KindInvalidToken
		}
	}
	if normalized == "" && strings.TrimSpace(message) == "" {
		return dispatch.KindUnknown
	}
	return dispatch.KindTransient
}

// ClassifyResult classifies a single per-token Result.
func ClassifyResult(r dispatch.Result) dispatch.ErrorKind {
	if r.Success {
		return dispatch.KindNone
	}
	return Classify(r.ErrorCode, r.ErrorMessage)
}

// ClassifyError classifies a top-level error returned by a provider call.
// Timeouts and cancellations are always transient.
func ClassifyError(err error) dispatch.ErrorKind {
	if err == nil {
		return dispatch.KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dispatch.KindTransient
	}
	var perr *dispatch.ProviderError
	if errors.As(err, &perr) {
		kind := Classify(perr.Code, perr.Message)
		if kind == dispatch.KindUnknown {
			return dispatch.KindTransient
		}
		return kind
	}
	kind := Classify("", err.Error())
	if kind == dispatch.KindUnknown {
		return dispatch.KindTransient
	}
	return kind
}

func normalizeCode(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	c = strings.TrimPrefix(c, "messaging/")
	return c
}
