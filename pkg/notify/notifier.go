// Package notify is the producer-side entry point: business code calls
// Enqueue (or the best-effort Notify) and the job is handed to the queue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// ErrMissingRecipient is returned when Enqueue is called without a recipient.
var ErrMissingRecipient = errors.New("notify: recipient id is required")

// ErrInvalidData is returned when a data value cannot be encoded as JSON.
var ErrInvalidData = errors.New("notify: data is not JSON encodable")

// JobQueue is the subset of a queue the producer needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *dispatch.NotificationJob) error
}

// JobHandle identifies an accepted job.
type JobHandle struct {
	ID         string
	EnqueuedAt time.Time
}

// EnqueueError reports that the queue backend could not accept a job.
type EnqueueError struct {
	RecipientID string
	Err         error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("failed to enqueue notification for %s: %v", e.RecipientID, e.Err)
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// Notifier turns notify requests into queued jobs.
type Notifier struct {
	queue   JobQueue
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTimeout bounds how long Enqueue waits for the backend. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.timeout = d }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

func New(queue JobQueue, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		queue:   queue,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "Notifier"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enqueue durably records a notification job for the recipient's devices.
// Title and body are passed through untouched; data values may be any JSON
// encodable type and are converted to strings at dispatch time.
func (n *Notifier) Enqueue(ctx context.Context, recipientID, title, body string, data map[string]any) (JobHandle, error) {
	if strings.TrimSpace(recipientID) == "" {
		return JobHandle{}, ErrMissingRecipient
	}
	if len(data) > 0 {
		if _, err := json.Marshal(data); err != nil {
			return JobHandle{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
	}

	job := &dispatch.NotificationJob{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Title:       title,
		Body:        body,
		Data:        data,
		CreatedAt:   n.now().UTC(),
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.queue.Enqueue(ctx, job); err != nil {
		return JobHandle{}, &EnqueueError{RecipientID: recipientID, Err: err}
	}

	n.logger.Debug("Notification enqueued", "job_id", job.ID, "recipient_id", recipientID)
	return JobHandle{ID: job.ID, EnqueuedAt: job.CreatedAt}, nil
}

// Notify is the fire-and-forget form of Enqueue for callers whose own work
// must not fail because a notification could not be queued.
func (n *Notifier) Notify(ctx context.Context, recipientID, title, body string, data map[string]any) {
	if _, err := n.Enqueue(ctx, recipientID, title, body, data); err != nil {
		n.logger.Error("Failed to enqueue notification", "recipient_id", recipientID, "err", err)
	}
}
