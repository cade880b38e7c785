// Package pipeline contains the delivery worker and the pieces it is built
// from: token preparation, outcome classification and settlement decisions.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// DefaultMinTokenLength is the shortest token considered plausible.
// Anything at or below 20 characters is a placeholder or a truncated value.
const DefaultMinTokenLength = 21

// PrepareTokens drops implausibly short tokens and duplicates, keeping the
// first occurrence order.
func PrepareTokens(tokens []dispatch.DeviceToken, minLength int) []string {
	if minLength <= 0 {
		minLength = DefaultMinTokenLength
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t.Token) < minLength {
			continue
		}
		if _, dup := seen[t.Token]; dup {
			continue
		}
		seen[t.Token] = struct{}{}
		out = append(out, t.Token)
	}
	return out
}

// StringifyData coerces every payload value to a string. Strings pass through
// untouched; everything else is rendered as JSON text.
func StringifyData(data map[string]any) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		text, err := jsonText(v)
		if err != nil {
			return nil, fmt.Errorf("data field %q is not serializable: %w", k, err)
		}
		out[k] = text
	}
	return out, nil
}

// jsonText renders v as compact JSON without HTML escaping, so URLs and
// markup in nested values reach the device as written.
func jsonText(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// BuildMessage converts a job into the provider-facing message.
func BuildMessage(job *dispatch.NotificationJob) (dispatch.Message, error) {
	data, err := StringifyData(job.Data)
	if err != nil {
		return dispatch.Message{}, err
	}
	return dispatch.Message{
		Title: job.Title,
		Body:  job.Body,
		Data:  data,
	}, nil
}
