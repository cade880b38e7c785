package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// PubsubConfig names the Pub/Sub resources backing the queue.
type PubsubConfig struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	DLQTopicID     string

	MaxAttempts       int
	VisibilityTimeout time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	// MaxOutstanding bounds the messages held by this process at once.
	MaxOutstanding int
}

// PubsubQueue is a Queue over a Pub/Sub topic and subscription.
//
// Retry maps to Nack: the redelivery delay is governed by the subscription's
// RetryPolicy rather than the per-call delay. DeadLetter publishes the job
// to the DLQ topic and acks the original.
type PubsubQueue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	dlq        *pubsub.Publisher
	logger     *slog.Logger

	deliveries chan *Delivery
	startOnce  sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex
	recvErr    error
}

func NewPubsubQueue(client *pubsub.Client, cfg PubsubConfig, logger *slog.Logger) *PubsubQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	sub := client.Subscriber(cfg.SubscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	sub.ReceiveSettings.MaxExtension = cfg.VisibilityTimeout

	q := &PubsubQueue{
		publisher:  client.Publisher(cfg.TopicID),
		subscriber: sub,
		logger:     logger.With("component", "PubsubQueue", "subscription", cfg.SubscriptionID),
		deliveries: make(chan *Delivery),
		done:       make(chan struct{}),
	}
	if cfg.DLQTopicID != "" {
		q.dlq = client.Publisher(cfg.DLQTopicID)
	}
	return q
}

func (q *PubsubQueue) Enqueue(ctx context.Context, job *dispatch.NotificationJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	result := q.publisher.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"job_id": job.ID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish failed: %w", err)
	}
	return nil
}

// Claim starts the receiver on first use and hands out one message at a time.
func (q *PubsubQueue) Claim(ctx context.Context) (*Delivery, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-q.deliveries:
		return d, nil
	case <-q.done:
		q.mu.Lock()
		err := q.recvErr
		q.mu.Unlock()
		if err == nil {
			err = errors.New("pubsub receiver stopped")
		}
		return nil, err
	}
}

func (q *PubsubQueue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		err := q.subscriber.Receive(ctx, q.receive)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("Pub/Sub receive stopped", "err", err)
			q.mu.Lock()
			q.recvErr = fmt.Errorf("pubsub receive failed: %w", err)
			q.mu.Unlock()
		}
	}()
}

func (q *PubsubQueue) receive(ctx context.Context, msg *pubsub.Message) {
	attempt := 1
	if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 0 {
		attempt = *msg.DeliveryAttempt
	}

	job, err := decodeJob(msg.Data)
	if err != nil {
		q.logger.Error("Dead-lettering undecodable message", "msg_id", msg.ID, "err", err)
		q.publishDeadLetter(ctx, msg, msg.Attributes["job_id"], attempt, err.Error())
		return
	}

	d := &Delivery{
		Job:       job,
		Attempt:   attempt,
		ClaimedAt: time.Now(),
		payload:   msg.Data,
		msg:       msg,
	}
	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		msg.Nack()
	}
}

func (q *PubsubQueue) Ack(_ context.Context, d *Delivery) error {
	if d.msg == nil {
		return ErrLeaseLost
	}
	d.msg.Ack()
	return nil
}

func (q *PubsubQueue) Retry(_ context.Context, d *Delivery, _ time.Duration) error {
	if d.msg == nil {
		return ErrLeaseLost
	}
	d.msg.Nack()
	return nil
}

func (q *PubsubQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if d.msg == nil {
		return ErrLeaseLost
	}
	if !q.publishDeadLetter(ctx, d.msg, d.Job.ID, d.Attempt, reason) {
		return fmt.Errorf("pubsub dead-letter publish failed for job %s", d.Job.ID)
	}
	return nil
}

// publishDeadLetter forwards the original payload to the DLQ topic and acks
// it. Without a DLQ topic, or when the publish fails, the message is nacked
// so the subscription's own dead-letter policy takes over.
func (q *PubsubQueue) publishDeadLetter(ctx context.Context, msg *pubsub.Message, jobID string, attempt int, reason string) bool {
	if q.dlq == nil {
		msg.Nack()
		return false
	}
	result := q.dlq.Publish(ctx, &pubsub.Message{
		Data: msg.Data,
		Attributes: map[string]string{
			"job_id":        jobID,
			"reason":        reason,
			"attempts":      strconv.Itoa(attempt),
			"source_msg_id": msg.ID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		q.logger.Error("Failed to publish dead letter", "job_id", jobID, "err", err)
		msg.Nack()
		return false
	}
	msg.Ack()
	return true
}

// Close stops receiving and flushes publishers.
func (q *PubsubQueue) Close() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	q.publisher.Stop()
	if q.dlq != nil {
		q.dlq.Stop()
	}
}

// EnsureSubscription creates the topic, DLQ topic and subscription when they
// do not exist yet. The subscription's dead-letter policy is a backstop set
// above the worker's own attempt limit.
func EnsureSubscription(ctx context.Context, client *pubsub.Client, cfg PubsubConfig, logger *slog.Logger) error {
	topic := resourceName(cfg.ProjectID, "topics", cfg.TopicID)
	sub := resourceName(cfg.ProjectID, "subscriptions", cfg.SubscriptionID)

	if err := ensureTopic(ctx, client, topic, logger); err != nil {
		return err
	}

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topic,
		AckDeadlineSeconds:    ackDeadlineSeconds(cfg.VisibilityTimeout),
		EnableMessageOrdering: false,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(clampDuration(cfg.MinBackoff, 0, 600*time.Second)),
			MaximumBackoff: durationpb.New(clampDuration(cfg.MaxBackoff, 0, 600*time.Second)),
		},
	}
	if cfg.DLQTopicID != "" {
		dlt := resourceName(cfg.ProjectID, "topics", cfg.DLQTopicID)
		if err := ensureTopic(ctx, client, dlt, logger); err != nil {
			return err
		}
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: backstopAttempts(cfg.MaxAttempts),
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := client.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
			return nil
		}
		return fmt.Errorf("could not create subscription %s: %w", sub, err)
	}
	return nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, name string, logger *slog.Logger) error {
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", name)
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", name, err)
	}
	return nil
}

func resourceName(project, kind, id string) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}

// backstopAttempts keeps Pub/Sub's limit within its allowed 5..100 range and
// above the worker's own limit, so the worker dead-letters first.
func backstopAttempts(maxAttempts int) int32 {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	n := maxAttempts + 2
	if n < 5 {
		n = 5
	}
	if n > 100 {
		n = 100
	}
	return int32(n)
}

func ackDeadlineSeconds(visibility time.Duration) int32 {
	secs := int32(visibility / time.Second)
	if secs < 10 {
		return 10
	}
	if secs > 600 {
		return 600
	}
	return secs
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
