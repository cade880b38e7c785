// Package queue provides durable, at-least-once job queues for notification
// jobs. Every backend supports claiming with a visibility timeout, delayed
// retries with an attempt counter, and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

var (
	// ErrLeaseLost is returned when settling a delivery whose visibility
	// timeout already expired and which may now be held by another worker.
	ErrLeaseLost = errors.New("queue: delivery lease lost")
	// ErrJobNotFound is returned when a dead-lettered job does not exist.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrNotReplayable is returned for dead letters whose payload never decoded.
	ErrNotReplayable = errors.New("queue: dead letter has no decodable job")
	// ErrUnsupported is returned by backends that cannot serve an operation.
	ErrUnsupported = errors.New("queue: operation not supported by backend")
)

const (
	DefaultMaxAttempts       = 5
	DefaultVisibilityTimeout = 2 * time.Minute
	DefaultPollInterval      = time.Second
)

// Queue is the contract the worker consumes.
type Queue interface {
	// Enqueue durably persists a job. It returns once the backend has accepted it.
	Enqueue(ctx context.Context, job *dispatch.NotificationJob) error
	// Claim blocks until a job is available or ctx is done.
	Claim(ctx context.Context) (*Delivery, error)
	// Ack marks the delivery completed.
	Ack(ctx context.Context, d *Delivery) error
	// Retry makes the job claimable again after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// DeadLetter moves the job to the dead-letter channel.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
}

// Inspector is implemented by backends that keep their state, dead letters
// included, inspectable in place.
type Inspector interface {
	Stats(ctx context.Context) (Stats, error)
	// DeadLetters lists dead letters, newest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// Replay re-enqueues a dead-lettered job with a fresh attempt counter.
	Replay(ctx context.Context, jobID string) error
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// Delivery is a claimed job. It must be settled with exactly one of Ack,
// Retry or DeadLetter; an unsettled delivery is redelivered after the
// visibility timeout.
type Delivery struct {
	Job       *dispatch.NotificationJob
	Attempt   int
	ClaimedAt time.Time

	lease   int64
	payload []byte
	msg     *pubsub.Message
}

// DeadLetter is a job that exhausted its attempts or could not be decoded.
type DeadLetter struct {
	JobID    string                    `json:"job_id"`
	Job      *dispatch.NotificationJob `json:"job,omitempty"`
	Payload  string                    `json:"payload,omitempty"`
	Attempts int                       `json:"attempts"`
	Reason   string                    `json:"reason"`
	FailedAt time.Time                 `json:"failed_at"`
}

// Options are shared by the Redis and in-memory backends.
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	// Clock is overridable for tests.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "notifications"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

func encodeJob(job *dispatch.NotificationJob) ([]byte, error) {
	if job == nil {
		return nil, errors.New("queue: nil job")
	}
	if job.ID == "" {
		return nil, errors.New("queue: job has no id")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return b, nil
}

func decodeJob(payload []byte) (*dispatch.NotificationJob, error) {
	var job dispatch.NotificationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}
	return &job, nil
}

// newDeadLetter builds the dead-letter record, keeping the raw payload only
// when it never decoded into a job.
func newDeadLetter(jobID string, job *dispatch.NotificationJob, payload []byte, attempts int, reason string, at time.Time) DeadLetter {
	dl := DeadLetter{
		JobID:    jobID,
		Job:      job,
		Attempts: attempts,
		Reason:   reason,
		FailedAt: at.UTC(),
	}
	if job == nil {
		dl.Payload = string(payload)
	}
	return dl
}
