package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// MemoryQueue is a process-local Queue with the same claim, lease and
// dead-letter semantics as the Redis backend. Jobs do not survive a restart.
type MemoryQueue struct {
	opts Options

	mu        sync.Mutex
	jobs      map[string]*memEntry
	ready     []string
	dead      map[string]DeadLetter
	deadOrder []string
	wake      chan struct{}
}

type memEntry struct {
	payload    []byte
	attempts   int
	inflight   bool
	leaseUntil time.Time
	delayed    bool
	dueAt      time.Time
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts: opts.withDefaults(),
		jobs: make(map[string]*memEntry),
		dead: make(map[string]DeadLetter),
		wake: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *dispatch.NotificationJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.jobs[job.ID] = &memEntry{payload: payload}
	q.ready = append(q.ready, job.ID)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		if d := q.tryClaim(); d != nil {
			return d, nil
		}
		timer := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) tryClaim() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	q.promoteLocked(now)

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		e, ok := q.jobs[id]
		if !ok || e.inflight || e.delayed {
			continue
		}
		e.attempts++
		job, err := decodeJob(e.payload)
		if err != nil {
			q.deadLetterLocked(id, nil, e, err.Error(), now)
			continue
		}
		e.inflight = true
		e.leaseUntil = now.Add(q.opts.VisibilityTimeout)
		return &Delivery{
			Job:       job,
			Attempt:   e.attempts,
			ClaimedAt: now,
			lease:     int64(e.attempts),
			payload:   e.payload,
		}
	}
	return nil
}

// promoteLocked moves due retries and expired leases back to ready.
func (q *MemoryQueue) promoteLocked(now time.Time) {
	type due struct {
		id string
		at time.Time
	}
	var promoted []due
	for id, e := range q.jobs {
		switch {
		case e.delayed && !e.dueAt.After(now):
			e.delayed = false
			promoted = append(promoted, due{id, e.dueAt})
		case e.inflight && !e.leaseUntil.After(now):
			e.inflight = false
			promoted = append(promoted, due{id, e.leaseUntil})
		}
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].at.Before(promoted[j].at) })
	for _, p := range promoted {
		q.ready = append(q.ready, p.id)
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.heldLocked(d); err != nil {
		return err
	}
	delete(q.jobs, d.Job.ID)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	e, err := q.heldLocked(d)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	e.inflight = false
	if delay > 0 {
		e.delayed = true
		e.dueAt = q.opts.Clock().Add(delay)
		q.mu.Unlock()
		return nil
	}
	q.ready = append(q.ready, d.Job.ID)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.heldLocked(d)
	if err != nil {
		return err
	}
	q.deadLetterLocked(d.Job.ID, d.Job, e, reason, q.opts.Clock())
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, e := range q.jobs {
		switch {
		case e.inflight:
			s.InFlight++
		case e.delayed:
			s.Delayed++
		default:
			s.Ready++
		}
	}
	s.Dead = int64(len(q.dead))
	return s, nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.deadOrder)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, 0, n)
	for _, id := range q.deadOrder[:n] {
		out = append(out, q.dead[id])
	}
	return out, nil
}

func (q *MemoryQueue) Replay(ctx context.Context, jobID string) error {
	q.mu.Lock()
	dl, ok := q.dead[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if dl.Job == nil {
		q.mu.Unlock()
		return ErrNotReplayable
	}
	delete(q.dead, jobID)
	for i, id := range q.deadOrder {
		if id == jobID {
			q.deadOrder = append(q.deadOrder[:i], q.deadOrder[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	return q.Enqueue(ctx, dl.Job)
}

func (q *MemoryQueue) heldLocked(d *Delivery) (*memEntry, error) {
	if d == nil || d.Job == nil {
		return nil, ErrLeaseLost
	}
	e, ok := q.jobs[d.Job.ID]
	if !ok || !e.inflight || int64(e.attempts) != d.lease {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *MemoryQueue) deadLetterLocked(id string, job *dispatch.NotificationJob, e *memEntry, reason string, now time.Time) {
	delete(q.jobs, id)
	q.dead[id] = newDeadLetter(id, job, e.payload, e.attempts, reason, now)
	q.deadOrder = append([]string{id}, q.deadOrder...)
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
