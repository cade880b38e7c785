package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// Key layout under notify:queue:<name>:
//
//	jobs      HASH  id -> job JSON
//	ready     LIST  ids waiting to be claimed
//	delayed   ZSET  ids waiting for a retry, scored by due time (ms)
//	inflight  ZSET  claimed ids, scored by lease deadline (ms)
//	attempts  HASH  id -> number of claims; doubles as the lease token
//	dead      HASH  id -> DeadLetter JSON
//	deadlog   LIST  dead-lettered ids, newest first
//	wake      LIST  wake-up tokens for blocked claimers
type redisKeys struct {
	jobs, ready, delayed, inflight, attempts, dead, deadlog, wake string
}

func newRedisKeys(name string) redisKeys {
	p := fmt.Sprintf("notify:queue:%s:", name)
	return redisKeys{
		jobs:     p + "jobs",
		ready:    p + "ready",
		delayed:  p + "delayed",
		inflight: p + "inflight",
		attempts: p + "attempts",
		dead:     p + "dead",
		deadlog:  p + "deadlog",
		wake:     p + "wake",
	}
}

// claimScript promotes due retries and expired leases, then pops one ready
// job and leases it. Returns {id, payload, attempt} or nil.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('RPUSH', KEYS[2], id)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[4], id)
  redis.call('RPUSH', KEYS[2], id)
end
while true do
  local id = redis.call('LPOP', KEYS[2])
  if not id then
    return false
  end
  local body = redis.call('HGET', KEYS[1], id)
  if body and not redis.call('ZSCORE', KEYS[4], id) and not redis.call('ZSCORE', KEYS[3], id) then
    local attempt = redis.call('HINCRBY', KEYS[5], id, 1)
    redis.call('ZADD', KEYS[4], now + tonumber(ARGV[2]), id)
    return {id, body, tostring(attempt)}
  end
end
`)

// ackScript removes a held job entirely.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] or not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// retryScript releases a held job to ready or delayed.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] or not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) <= tonumber(ARGV[4]) then
  redis.call('RPUSH', KEYS[4], ARGV[1])
  redis.call('RPUSH', KEYS[5], '1')
  redis.call('LTRIM', KEYS[5], -64, -1)
else
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)

// deadLetterScript moves a held job, or one that never decoded, to the dead set.
var deadLetterScript = redis.NewScript(`
if ARGV[4] ~= '1' then
  if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] or not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
    return 0
  end
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
redis.call('LREM', KEYS[5], 0, ARGV[1])
redis.call('LPUSH', KEYS[5], ARGV[1])
return 1
`)

// RedisQueue is a Queue backed by Redis lists and sorted sets. All state
// transitions run as Lua scripts so a claim and its lease are atomic.
type RedisQueue struct {
	rdb    redis.UniversalClient
	keys   redisKeys
	opts   Options
	logger *slog.Logger
}

func NewRedisQueue(rdb redis.UniversalClient, opts Options, logger *slog.Logger) *RedisQueue {
	opts = opts.withDefaults()
	return &RedisQueue{
		rdb:    rdb,
		keys:   newRedisKeys(opts.Name),
		opts:   opts,
		logger: logger.With("component", "RedisQueue", "queue", opts.Name),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *dispatch.NotificationJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.jobs, job.ID, payload)
		pipe.HDel(ctx, q.keys.attempts, job.ID)
		pipe.RPush(ctx, q.keys.ready, job.ID)
		pipe.RPush(ctx, q.keys.wake, "1")
		pipe.LTrim(ctx, q.keys.wake, -64, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claimOnce(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		// Long poll: park on the wake list until an enqueue arrives or the
		// poll interval passes, then rescan for due retries and expired leases.
		if _, err := q.rdb.BLPop(ctx, q.opts.PollInterval, q.keys.wake).Result(); err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis wait failed: %w", err)
		}
	}
}

func (q *RedisQueue) claimOnce(ctx context.Context) (*Delivery, error) {
	for {
		now := q.opts.Clock()
		res, err := claimScript.Run(ctx, q.rdb,
			[]string{q.keys.jobs, q.keys.ready, q.keys.delayed, q.keys.inflight, q.keys.attempts},
			now.UnixMilli(), q.opts.VisibilityTimeout.Milliseconds(),
		).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis claim failed: %w", err)
		}
		if len(res) != 3 {
			return nil, fmt.Errorf("redis claim returned %d fields", len(res))
		}
		id, payload := res[0], []byte(res[1])
		attempt, err := strconv.ParseInt(res[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis claim returned bad attempt %q: %w", res[2], err)
		}

		job, err := decodeJob(payload)
		if err != nil {
			q.logger.Error("Dead-lettering undecodable job", "job_id", id, "err", err)
			dl := newDeadLetter(id, nil, payload, int(attempt), err.Error(), now)
			if dlErr := q.writeDeadLetter(ctx, id, attempt, dl, true); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		return &Delivery{
			Job:       job,
			Attempt:   int(attempt),
			ClaimedAt: now,
			lease:     attempt,
			payload:   payload,
		}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.jobs, q.keys.inflight, q.keys.attempts},
		d.Job.ID, d.lease,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	now := q.opts.Clock()
	dueAt := now.Add(delay)
	n, err := retryScript.Run(ctx, q.rdb,
		[]string{q.keys.inflight, q.keys.attempts, q.keys.delayed, q.keys.ready, q.keys.wake},
		d.Job.ID, d.lease, dueAt.UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis retry failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	dl := newDeadLetter(d.Job.ID, d.Job, d.payload, d.Attempt, reason, q.opts.Clock())
	return q.writeDeadLetter(ctx, d.Job.ID, d.lease, dl, false)
}

func (q *RedisQueue) writeDeadLetter(ctx context.Context, id string, lease int64, dl DeadLetter, force bool) error {
	record, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", id, err)
	}
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}
	n, err := deadLetterScript.Run(ctx, q.rdb,
		[]string{q.keys.jobs, q.keys.inflight, q.keys.attempts, q.keys.dead, q.keys.deadlog},
		id, lease, record, forceFlag,
	).Int()
	if err != nil {
		return fmt.Errorf("redis dead-letter failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var ready, delayed, inflight, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.keys.ready)
		delayed = pipe.ZCard(ctx, q.keys.delayed)
		inflight = pipe.ZCard(ctx, q.keys.inflight)
		dead = pipe.HLen(ctx, q.keys.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("redis stats failed: %w", err)
	}
	return Stats{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := q.rdb.LRange(ctx, q.keys.deadlog, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dead-letter list failed: %w", err)
	}
	if len(ids) == 0 {
		return []DeadLetter{}, nil
	}
	raw, err := q.rdb.HMGet(ctx, q.keys.dead, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dead-letter fetch failed: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			q.logger.Warn("Skipping corrupt dead letter", "job_id", ids[i], "err", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) Replay(ctx context.Context, jobID string) error {
	s, err := q.rdb.HGet(ctx, q.keys.dead, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("redis dead-letter fetch failed: %w", err)
	}
	var dl DeadLetter
	if err := json.Unmarshal([]byte(s), &dl); err != nil {
		return fmt.Errorf("corrupt dead letter %s: %w", jobID, err)
	}
	if dl.Job == nil {
		return ErrNotReplayable
	}
	payload, err := encodeJob(dl.Job)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.keys.dead, jobID)
		pipe.LRem(ctx, q.keys.deadlog, 0, jobID)
		pipe.HSet(ctx, q.keys.jobs, jobID, payload)
		pipe.HDel(ctx, q.keys.attempts, jobID)
		pipe.RPush(ctx, q.keys.ready, jobID)
		pipe.RPush(ctx, q.keys.wake, "1")
		pipe.LTrim(ctx, q.keys.wake, -64, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replay failed: %w", err)
	}
	return nil
}
