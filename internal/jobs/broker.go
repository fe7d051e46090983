package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umbrix/backend/internal/metrics"
)

// ============================================================================
// Redis Broker
// ============================================================================

// Broker is the Redis-backed job store. Per queue it keeps a waiting set
// (scored by priority then arrival), a delayed set (scored by ready time),
// an active set (scored by last heartbeat), and capped completed/failed
// retention lists. Claiming is a single Lua script so a job is never in
// two sets at once.
type Broker struct {
	client *redis.Client
	prefix string

	retainCompleted int
	retainFailed    int
	stalledInterval time.Duration
	maxStalledCount int

	metrics *metrics.Metrics
	logger  *log.Logger
}

// ErrNoJob is returned by Claim when the queue is empty.
var ErrNoJob = errors.New("no job available")

// claimScript atomically moves the lowest-scored waiting member into the
// active set, stamped with the current heartbeat time.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if popped == false or #popped == 0 then return false end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// BrokerOption customizes a Broker.
type BrokerOption func(*Broker)

// WithRetention caps the completed and failed retention lists.
func WithRetention(completed, failed int) BrokerOption {
	return func(b *Broker) { b.retainCompleted, b.retainFailed = completed, failed }
}

// WithStallPolicy sets the heartbeat-silence window and how many stall
// recoveries a job survives before it is failed outright.
func WithStallPolicy(interval time.Duration, maxCount int) BrokerOption {
	return func(b *Broker) { b.stalledInterval, b.maxStalledCount = interval, maxCount }
}

// NewBroker wires a Broker on an existing Redis client.
func NewBroker(client *redis.Client, opts ...BrokerOption) *Broker {
	b := &Broker{
		client:          client,
		prefix:          "umbrix:jobs:",
		retainCompleted: 50,
		retainFailed:    100,
		stalledInterval: 30 * time.Second,
		maxStalledCount: 2,
		metrics:         metrics.Default(),
		logger:          log.New(log.Writer(), "[Jobs] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) waitingKey(queue string) string { return b.prefix + queue + ":waiting" }
func (b *Broker) delayedKey(queue string) string { return b.prefix + queue + ":delayed" }
func (b *Broker) activeKey(queue string) string  { return b.prefix + queue + ":active" }
func (b *Broker) doneKey(queue string) string    { return b.prefix + queue + ":completed" }
func (b *Broker) failKey(queue string) string    { return b.prefix + queue + ":failed" }
func (b *Broker) jobKey(queue, id string) string { return b.prefix + "job:" + queue + ":" + id }
func (b *Broker) cancelKey(connID string) string { return b.prefix + "cancel:" + connID }

// waitingScore orders waiting jobs: higher priority first, FIFO within a
// priority band. The sequence counter keeps the band ordering stable.
func (b *Broker) waitingScore(ctx context.Context, priority int) (float64, error) {
	seq, err := b.client.Incr(ctx, b.prefix+"seq").Result()
	if err != nil {
		return 0, err
	}
	return float64(1000-priority)*1e12 + float64(seq), nil
}

// Enqueue stores the job and places it on its queue. Re-enqueueing an id
// whose previous run has not finished is a no-op, which is what makes
// deterministic repeatable-job ids safe to re-register.
func (b *Broker) Enqueue(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if existing, err := b.Job(ctx, job.Queue, job.ID); err == nil && !existing.Terminal() {
		return nil
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	if job.ScheduledAt.After(now) {
		job.State = StateDelayed
		if err := b.saveJob(ctx, job); err != nil {
			return err
		}
		return b.client.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ScheduledAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	}
	job.State = StateWaiting
	job.ScheduledAt = now
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	score, err := b.waitingScore(ctx, job.Priority)
	if err != nil {
		return err
	}
	return b.client.ZAdd(ctx, b.waitingKey(job.Queue), redis.Z{Score: score, Member: job.ID}).Err()
}

// Claim pops the next waiting job and marks it active. Returns ErrNoJob when
// the queue is empty.
func (b *Broker) Claim(ctx context.Context, queue string) (*Job, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.waitingKey(queue), b.activeKey(queue)},
		now.UnixMilli()).Result()
	if err == redis.Nil || res == nil {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", queue, err)
	}
	id, _ := res.(string)
	job, err := b.Job(ctx, queue, id)
	if err != nil {
		// Orphaned member with no record; drop it rather than poison the queue.
		b.client.ZRem(ctx, b.activeKey(queue), id)
		return nil, ErrNoJob
	}
	job.State = StateActive
	job.Attempts++
	job.StartedAt = &now
	if err := b.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the active-set score and records progress. Progress
// reports double as liveness, so a long page fetch that keeps reporting
// never trips the stall scanner.
func (b *Broker) Heartbeat(ctx context.Context, job *Job, progress int) error {
	if progress >= 0 {
		job.Progress = progress
	}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	return b.client.ZAdd(ctx, b.activeKey(job.Queue), redis.Z{
		Score:  float64(time.Now().UTC().UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Complete finishes the job successfully and moves it to retention.
func (b *Broker) Complete(ctx context.Context, job *Job, result string) error {
	now := time.Now().UTC()
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedAt = &now
	job.Result = result
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	b.client.ZRem(ctx, b.activeKey(job.Queue), job.ID)
	var seconds float64
	if job.StartedAt != nil {
		seconds = now.Sub(*job.StartedAt).Seconds()
	}
	b.metrics.RecordJob(job.Queue, "completed", seconds)
	return b.retain(ctx, b.doneKey(job.Queue), job, b.retainCompleted)
}

// Fail ends the current attempt. While attempts remain the job is re-queued
// on the delayed set with exponential backoff; retryAfter, when positive,
// overrides the backoff (server-instructed delays from 429 responses).
// The final failure lands on the failed retention list.
func (b *Broker) Fail(ctx context.Context, job *Job, cause error, retryAfter time.Duration) error {
	job.Error = cause.Error()
	b.client.ZRem(ctx, b.activeKey(job.Queue), job.ID)
	if job.Attempts < job.MaxAttempts {
		delay := job.NextBackoff()
		if retryAfter > 0 {
			delay = retryAfter
		}
		job.State = StateDelayed
		job.ScheduledAt = time.Now().UTC().Add(delay)
		if err := b.saveJob(ctx, job); err != nil {
			return err
		}
		b.metrics.RecordJob(job.Queue, "retried", 0)
		return b.client.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ScheduledAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	}
	now := time.Now().UTC()
	job.State = StateFailed
	job.FinishedAt = &now
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	var seconds float64
	if job.StartedAt != nil {
		seconds = now.Sub(*job.StartedAt).Seconds()
	}
	b.metrics.RecordJob(job.Queue, "failed", seconds)
	return b.retain(ctx, b.failKey(job.Queue), job, b.retainFailed)
}

// Release puts an active job back on the delayed set without consuming an
// attempt. Used when the platform asked us to come back later.
func (b *Broker) Release(ctx context.Context, job *Job, at time.Time) error {
	b.client.ZRem(ctx, b.activeKey(job.Queue), job.ID)
	if job.Attempts > 0 {
		job.Attempts--
	}
	job.State = StateDelayed
	job.ScheduledAt = at
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	return b.client.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: job.ID,
	}).Err()
}

// PromoteDelayed moves due delayed jobs onto the waiting set. Called on a
// short tick by the worker pool.
func (b *Broker) PromoteDelayed(ctx context.Context, queue string) error {
	now := time.Now().UTC()
	ids, err := b.client.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.delayedKey(queue), id).Result()
		if err != nil || removed == 0 {
			continue // another instance promoted it first
		}
		job, err := b.Job(ctx, queue, id)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := b.saveJob(ctx, job); err != nil {
			continue
		}
		score, err := b.waitingScore(ctx, job.Priority)
		if err != nil {
			continue
		}
		b.client.ZAdd(ctx, b.waitingKey(queue), redis.Z{Score: score, Member: id})
	}
	return nil
}

// ScanStalled finds active jobs whose heartbeat has been silent longer than
// the stall window. A stalled job is re-queued until it exhausts the stall
// budget, then failed.
func (b *Broker) ScanStalled(ctx context.Context, queue string) error {
	cutoff := time.Now().UTC().Add(-b.stalledInterval).UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, b.activeKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := b.Job(ctx, queue, id)
		if err != nil {
			b.client.ZRem(ctx, b.activeKey(queue), id)
			continue
		}
		job.StallCount++
		b.metrics.JobsStalled.WithLabelValues(queue).Inc()
		b.logger.Printf("job %s/%s stalled (count=%d)", queue, id, job.StallCount)
		b.client.ZRem(ctx, b.activeKey(queue), id)
		if job.StallCount > b.maxStalledCount {
			job.State = StateFailed
			job.Error = "stalled: worker heartbeat lost"
			now := time.Now().UTC()
			job.FinishedAt = &now
			if err := b.saveJob(ctx, job); err != nil {
				continue
			}
			b.metrics.RecordJob(queue, "failed", 0)
			b.retain(ctx, b.failKey(queue), job, b.retainFailed)
			continue
		}
		job.State = StateWaiting
		if err := b.saveJob(ctx, job); err != nil {
			continue
		}
		score, err := b.waitingScore(ctx, job.Priority)
		if err != nil {
			continue
		}
		b.client.ZAdd(ctx, b.waitingKey(queue), redis.Z{Score: score, Member: id})
	}
	return nil
}

// CancelConnection flags a connection so in-flight work stops at the next
// checkpoint, and removes its queued jobs.
func (b *Broker) CancelConnection(ctx context.Context, organizationID, connectionID string) error {
	if err := b.client.Set(ctx, b.cancelKey(connectionID), organizationID, time.Hour).Err(); err != nil {
		return err
	}
	for _, queue := range Queues() {
		for _, key := range []string{b.waitingKey(queue), b.delayedKey(queue)} {
			ids, err := b.client.ZRange(ctx, key, 0, -1).Result()
			if err != nil {
				continue
			}
			for _, id := range ids {
				job, err := b.Job(ctx, queue, id)
				if err != nil {
					continue
				}
				if job.Payload.ConnectionID != connectionID || job.Payload.OrganizationID != organizationID {
					continue
				}
				b.client.ZRem(ctx, key, id)
				job.State = StateCancelled
				now := time.Now().UTC()
				job.FinishedAt = &now
				b.saveJob(ctx, job)
				b.metrics.RecordJob(queue, "cancelled", 0)
			}
		}
	}
	return nil
}

// Cancel marks an active job cancelled and drops it from the active set.
func (b *Broker) Cancel(ctx context.Context, job *Job) error {
	b.client.ZRem(ctx, b.activeKey(job.Queue), job.ID)
	job.State = StateCancelled
	now := time.Now().UTC()
	job.FinishedAt = &now
	b.metrics.RecordJob(job.Queue, "cancelled", 0)
	return b.saveJob(ctx, job)
}

// IsCancelled reports whether a connection has a live cancellation flag.
func (b *Broker) IsCancelled(ctx context.Context, connectionID string) bool {
	n, err := b.client.Exists(ctx, b.cancelKey(connectionID)).Result()
	return err == nil && n > 0
}

// ClearCancel removes the cancellation flag, typically when a fresh run is
// requested for the connection.
func (b *Broker) ClearCancel(ctx context.Context, connectionID string) error {
	return b.client.Del(ctx, b.cancelKey(connectionID)).Err()
}

// Job loads one job record.
func (b *Broker) Job(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := b.client.Get(ctx, b.jobKey(queue, id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s/%s not found", queue, id)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalJob([]byte(raw))
}

// Depths reports waiting+delayed depth per queue and pushes the gauges.
func (b *Broker) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(Queues()))
	for _, queue := range Queues() {
		waiting, err := b.client.ZCard(ctx, b.waitingKey(queue)).Result()
		if err != nil {
			return nil, err
		}
		delayed, err := b.client.ZCard(ctx, b.delayedKey(queue)).Result()
		if err != nil {
			return nil, err
		}
		active, err := b.client.ZCard(ctx, b.activeKey(queue)).Result()
		if err != nil {
			return nil, err
		}
		out[queue] = waiting + delayed
		b.metrics.SetQueueDepth(queue, "waiting", float64(waiting))
		b.metrics.SetQueueDepth(queue, "delayed", float64(delayed))
		b.metrics.SetQueueDepth(queue, "active", float64(active))
	}
	return out, nil
}

// Recent returns the newest entries from a retention list.
func (b *Broker) Recent(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	key := b.doneKey(queue)
	if state == StateFailed {
		key = b.failKey(queue)
	}
	ids, err := b.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.Job(ctx, queue, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (b *Broker) saveJob(ctx context.Context, job *Job) error {
	raw, err := job.marshal()
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.jobKey(job.Queue, job.ID), raw, 0).Err()
}

// retain pushes a finished job onto a capped list, deleting the record of
// whatever falls off the end.
func (b *Broker) retain(ctx context.Context, key string, job *Job, cap int) error {
	if err := b.client.LPush(ctx, key, job.ID).Err(); err != nil {
		return err
	}
	length, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	for length > int64(cap) {
		evicted, err := b.client.RPop(ctx, key).Result()
		if err != nil {
			break
		}
		b.client.Del(ctx, b.jobKey(job.Queue, evicted))
		length--
	}
	return nil
}
