package dispatch

import "time"

// NotificationJob is one "notify user X" request travelling through the queue.
type NotificationJob struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type DeviceType string

const (
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
	DeviceWeb     DeviceType = "web"
)

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceIOS, DeviceAndroid, DeviceWeb:
		return true
	}
	return false
}

// DeviceToken is a registered push address for one of a user's devices.
// Token is unique across the store and must never be logged unmasked.
type DeviceToken struct {
	Token      string     `json:"token"`
	UserID     string     `json:"user_id"`
	DeviceType DeviceType `json:"device_type"`
}

// ErrorKind is the classification of a single send attempt.
type ErrorKind string

const (
	KindNone         ErrorKind = "none"
	KindInvalidToken ErrorKind = "invalidToken"
	KindTransient    ErrorKind = "transient"
	KindUnknown      ErrorKind = "unknown"
)

// DispatchOutcome is the classified result of sending to one token.
type DispatchOutcome struct {
	Token        string
	Success      bool
	Kind         ErrorKind
	ErrorCode    string
	ErrorMessage string
}
