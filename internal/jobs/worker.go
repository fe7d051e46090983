package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/faults"
)

// ============================================================================
// Worker Pool
// ============================================================================

// ProgressFunc reports handler progress (0-100). Every report also refreshes
// the job's heartbeat.
type ProgressFunc func(progress int)

// Handler executes one job. The returned string is stored as the job result.
// Errors are classified through the faults package: non-retryable errors fail
// the job immediately, rate limits honor the server's delay.
type Handler func(ctx context.Context, job *Job, report ProgressFunc) (string, error)

type queueConfig struct {
	handler     Handler
	concurrency int
	timeout     time.Duration
}

// Pool runs handlers against the broker. One Pool serves all queues; each
// registered queue gets its own set of claim loops.
type Pool struct {
	broker       *Broker
	queues       map[string]queueConfig
	pollInterval time.Duration

	logger *log.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewPool creates an idle pool on the broker.
func NewPool(broker *Broker) *Pool {
	return &Pool{
		broker:       broker,
		queues:       make(map[string]queueConfig),
		pollInterval: 500 * time.Millisecond,
		logger:       log.New(log.Writer(), "[Worker] ", log.LstdFlags),
	}
}

// Register binds a handler to a queue with a concurrency cap and per-job
// timeout. Must be called before Run.
func (p *Pool) Register(queue string, handler Handler, concurrency int, timeout time.Duration) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[queue] = queueConfig{handler: handler, concurrency: concurrency, timeout: timeout}
}

// Run starts all claim loops plus the maintenance loop and returns. Stop with
// Shutdown.
func (p *Pool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	queues := make(map[string]queueConfig, len(p.queues))
	for q, cfg := range p.queues {
		queues[q] = cfg
	}
	p.mu.Unlock()

	for queue, cfg := range queues {
		for i := 0; i < cfg.concurrency; i++ {
			p.wg.Add(1)
			go p.claimLoop(ctx, queue, cfg)
		}
	}
	p.wg.Add(1)
	go p.maintenanceLoop(ctx)
	p.logger.Printf("pool started: %d queues", len(queues))
}

// Shutdown stops claiming and waits for in-flight jobs to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Pool) claimLoop(ctx context.Context, queue string, cfg queueConfig) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.broker.Claim(ctx, queue)
		if err == ErrNoJob {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		if err != nil {
			p.logger.Printf("claim %s: %v", queue, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		p.execute(ctx, job, cfg)
	}
}

func (p *Pool) execute(ctx context.Context, job *Job, cfg queueConfig) {
	if job.Payload.ConnectionID != "" && p.broker.IsCancelled(ctx, job.Payload.ConnectionID) {
		if err := p.broker.Cancel(ctx, job); err != nil {
			p.logger.Printf("cancel %s/%s: %v", job.Queue, job.ID, err)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	// Background heartbeat covers handlers that go quiet between progress
	// reports; one third of the stall window keeps a healthy margin.
	hbDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.broker.stalledInterval / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				if err := p.broker.Heartbeat(jobCtx, job, -1); err != nil {
					return
				}
			}
		}
	}()

	report := func(progress int) {
		if err := p.broker.Heartbeat(jobCtx, job, progress); err != nil {
			p.logger.Printf("heartbeat %s/%s: %v", job.Queue, job.ID, err)
		}
	}

	result, err := cfg.handler(jobCtx, job, report)
	close(hbDone)

	if err == nil {
		if cerr := p.broker.Complete(ctx, job, result); cerr != nil {
			p.logger.Printf("complete %s/%s: %v", job.Queue, job.ID, cerr)
		}
		return
	}

	var susp *suspendError
	if errors.As(err, &susp) {
		if rerr := p.broker.Release(ctx, job, susp.at); rerr != nil {
			p.logger.Printf("release %s/%s: %v", job.Queue, job.ID, rerr)
		}
		return
	}

	p.logger.Printf("job %s/%s attempt %d/%d failed: %v",
		job.Queue, job.ID, job.Attempts, job.MaxAttempts, err)
	if !faults.IsRetryable(err) {
		job.Attempts = job.MaxAttempts // terminal, no point retrying
	}
	retryAfter, _ := faults.RetryDelay(err)
	if ferr := p.broker.Fail(ctx, job, err, retryAfter); ferr != nil {
		p.logger.Printf("fail %s/%s: %v", job.Queue, job.ID, ferr)
	}
}

// maintenanceLoop promotes due delayed jobs, recovers stalled ones, and
// refreshes queue-depth gauges.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	promote := time.NewTicker(time.Second)
	defer promote.Stop()
	stall := time.NewTicker(p.broker.stalledInterval)
	defer stall.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			for _, queue := range Queues() {
				if err := p.broker.PromoteDelayed(ctx, queue); err != nil {
					p.logger.Printf("promote %s: %v", queue, err)
				}
			}
			if _, err := p.broker.Depths(ctx); err != nil {
				p.logger.Printf("depths: %v", err)
			}
		case <-stall.C:
			for _, queue := range Queues() {
				if err := p.broker.ScanStalled(ctx, queue); err != nil {
					p.logger.Printf("stall scan %s: %v", queue, err)
				}
			}
		}
	}
}

// Chain enqueues a follow-up job that carries the originating run's lineage.
func Chain(ctx context.Context, broker *Broker, parent *Job, queue, id string, payload Payload) error {
	if payload.OrganizationID == "" {
		payload.OrganizationID = parent.Payload.OrganizationID
	}
	if payload.RunID == "" {
		payload.RunID = parent.Payload.RunID
	}
	payload.TriggeredBy = "chain"
	return broker.Enqueue(ctx, &Job{
		Queue:   queue,
		ID:      id,
		Payload: payload,
	})
}

// Suspend wraps an error so the pool reschedules the job at a fixed time
// without burning an attempt. Used for export polling backoff.
type suspendError struct {
	at time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("suspended until %s", e.at.Format(time.RFC3339))
}

// SuspendUntil signals the pool to park the job until at.
func SuspendUntil(at time.Time) error { return &suspendError{at: at} }
