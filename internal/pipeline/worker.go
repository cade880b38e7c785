package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-pipeline/internal/queue"
	"github.com/tinywideclouds/go-push-pipeline/internal/retry"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// WorkerConfig controls concurrency and settlement.
type WorkerConfig struct {
	Concurrency  int
	MaxAttempts  int
	Backoff      retry.Backoff
	QueueTimeout time.Duration
	// ClaimErrorDelay is the pause after a failed Claim before trying again.
	ClaimErrorDelay time.Duration

	Processor ProcessorConfig
}

// Worker claims jobs from a Queue and runs them through a Processor using a
// bounded pool of claim loops.
type Worker struct {
	queue     queue.Queue
	processor *Processor
	cfg       WorkerConfig
	metrics   *Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	running    bool
	stopClaims context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

func NewWorker(
	q queue.Queue,
	provider dispatch.PushProvider,
	store dispatch.TokenStore,
	cfg WorkerConfig,
	m *Metrics,
	logger *slog.Logger,
) (*Worker, error) {
	if q == nil || provider == nil || store == nil {
		return nil, errors.New("worker requires a queue, a push provider and a token store")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Default()
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Second
	}
	if cfg.ClaimErrorDelay <= 0 {
		cfg.ClaimErrorDelay = time.Second
	}
	if m == nil {
		m = NewMetrics()
	}
	return &Worker{
		queue:     q,
		processor: NewProcessor(provider, store, cfg.Processor, m),
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "Worker"),
	}, nil
}

// Start launches the claim loops and returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already started")
	}

	claimCtx, stopClaims := context.WithCancel(ctx)
	// In-flight jobs outlive the caller's context so Stop can drain them.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	w.stopClaims, w.cancelWork = stopClaims, cancelWork
	w.running = true

	w.logger.Info("Starting worker", "concurrency", w.cfg.Concurrency, "max_attempts", w.cfg.MaxAttempts)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(claimCtx, workCtx, i)
	}
	return nil
}

// Stop stops claiming and waits for in-flight jobs. When ctx expires first,
// in-flight jobs are cancelled and left unsettled; the queue's visibility
// timeout hands them out again.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stopClaims, cancelWork := w.stopClaims, w.cancelWork
	w.mu.Unlock()

	stopClaims()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancelWork()
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Stop deadline reached; cancelling in-flight jobs")
		cancelWork()
		<-done
		return ctx.Err()
	}
}

func (w *Worker) loop(claimCtx, workCtx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With("loop", id)
	for {
		d, err := w.queue.Claim(claimCtx)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			logger.Error("Claim failed", "err", err)
			select {
			case <-claimCtx.Done():
				return
			case <-time.After(w.cfg.ClaimErrorDelay):
			}
			continue
		}
		w.handle(workCtx, d, logger)
	}
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	start := time.Now()
	w.metrics.JobsClaimed.Inc()

	jobLogger := logger.With("attempt", d.Attempt)
	if d.Job != nil {
		jobLogger = jobLogger.With("job_id", d.Job.ID, "recipient_id", d.Job.RecipientID)
	}

	report := w.processor.Process(ctx, d.Job, jobLogger)
	if ctx.Err() != nil {
		w.metrics.JobsInterrupted.Inc()
		jobLogger.Warn("Job interrupted by shutdown; leaving it for redelivery")
		return
	}
	w.settle(d, report, jobLogger)
	w.metrics.observeDuration(start)
}

func (w *Worker) settle(d *queue.Delivery, report Report, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.QueueTimeout)
	defer cancel()

	var err error
	switch {
	case report.Decision == DecisionComplete:
		err = w.queue.Ack(ctx, d)
		if err == nil {
			w.metrics.JobsCompleted.Inc()
		}
	case d.Attempt >= w.cfg.MaxAttempts:
		reason := fmt.Sprintf("%s after %d attempts", report.Reason, d.Attempt)
		if report.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, report.Err)
		}
		err = w.queue.DeadLetter(ctx, d, reason)
		if err == nil {
			w.metrics.JobsDeadLettered.Inc()
			logger.Error("Job dead-lettered", "reason", reason)
		}
	default:
		delay := w.cfg.Backoff.Next(d.Attempt)
		err = w.queue.Retry(ctx, d, delay)
		if err == nil {
			w.metrics.JobsRetried.Inc()
			logger.Warn("Job scheduled for retry", "delay", delay, "err", report.Err)
		}
	}

	if err != nil {
		w.metrics.SettleFailures.Inc()
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("Lease expired before settlement; job will be redelivered", "decision", report.Decision.String())
			return
		}
		logger.Error("Failed to settle job", "decision", report.Decision.String(), "err", err)
	}
}
