package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/internal/faults"
)

func waitForState(t *testing.T, b *Broker, queue, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := b.Job(context.Background(), queue, id)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s/%s never reached state %s", queue, id, want)
	return nil
}

func TestPool_ExecutesAndCompletes(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	pool := NewPool(b)

	var runs atomic.Int32
	pool.Register(QueueDiscovery, func(ctx context.Context, job *Job, report ProgressFunc) (string, error) {
		report(50)
		runs.Add(1)
		return `{"ok":true}`, nil
	}, 2, time.Minute)

	pool.Run(ctx)
	defer pool.Shutdown()

	require.NoError(t, b.Enqueue(ctx, testJob(QueueDiscovery, "run-me", "c1")))

	job := waitForState(t, b, QueueDiscovery, "run-me", StateCompleted)
	assert.Equal(t, `{"ok":true}`, job.Result)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPool_NonRetryableFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	pool := NewPool(b)

	pool.Register(QueueDiscovery, func(ctx context.Context, job *Job, report ProgressFunc) (string, error) {
		return "", faults.PermanentAuth("slack", errTest)
	}, 1, time.Minute)

	pool.Run(ctx)
	defer pool.Shutdown()

	j := testJob(QueueDiscovery, "doomed", "c1")
	j.MaxAttempts = 5
	require.NoError(t, b.Enqueue(ctx, j))

	job := waitForState(t, b, QueueDiscovery, "doomed", StateFailed)
	assert.Equal(t, 1, job.Attempts)
}

func TestPool_SkipsCancelledConnection(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	pool := NewPool(b)

	var runs atomic.Int32
	pool.Register(QueueDiscovery, func(ctx context.Context, job *Job, report ProgressFunc) (string, error) {
		runs.Add(1)
		return "", nil
	}, 1, time.Minute)

	require.NoError(t, b.Enqueue(ctx, testJob(QueueDiscovery, "halted", "conn-gone")))
	require.NoError(t, b.client.Set(ctx, b.cancelKey("conn-gone"), "org-1", time.Hour).Err())

	pool.Run(ctx)
	defer pool.Shutdown()

	job := waitForState(t, b, QueueDiscovery, "halted", StateCancelled)
	assert.Equal(t, StateCancelled, job.State)
	assert.Equal(t, int32(0), runs.Load())
}

func TestPool_SuspendParksWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	pool := NewPool(b)

	var calls atomic.Int32
	pool.Register(QueueDiscovery, func(ctx context.Context, job *Job, report ProgressFunc) (string, error) {
		if calls.Add(1) == 1 {
			return "", SuspendUntil(time.Now().UTC().Add(50 * time.Millisecond))
		}
		return "done", nil
	}, 1, time.Minute)

	pool.Run(ctx)
	defer pool.Shutdown()

	require.NoError(t, b.Enqueue(ctx, testJob(QueueDiscovery, "export-poll", "c1")))

	job := waitForState(t, b, QueueDiscovery, "export-poll", StateCompleted)
	assert.Equal(t, "done", job.Result)
	assert.Equal(t, 1, job.Attempts) // the suspended attempt was not charged
}

func TestChain_CarriesLineage(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	parent := testJob(QueueDiscovery, "parent", "c1")
	parent.Payload.RunID = "run-42"
	require.NoError(t, b.Enqueue(ctx, parent))
	claimed, err := b.Claim(ctx, QueueDiscovery)
	require.NoError(t, err)

	require.NoError(t, Chain(ctx, b, claimed, QueueRisk, "risk:auto-7", Payload{AutomationID: "auto-7"}))

	child, err := b.Claim(ctx, QueueRisk)
	require.NoError(t, err)
	assert.Equal(t, "org-1", child.Payload.OrganizationID)
	assert.Equal(t, "run-42", child.Payload.RunID)
	assert.Equal(t, "chain", child.Payload.TriggeredBy)
	assert.Equal(t, "auto-7", child.Payload.AutomationID)
}

func TestScheduler_RegisterReplaceUnregister(t *testing.T) {
	b := newTestBroker(t)
	s := NewScheduler(b)

	require.NoError(t, s.RegisterPeriodicDiscovery("org-1", "conn-1", time.Hour))
	require.NoError(t, s.RegisterPeriodicDiscovery("org-1", "conn-1", 2*time.Hour))
	assert.Len(t, s.entries, 1)

	require.NoError(t, s.RegisterTask("staleness-sweep", "@every 1h", func(ctx context.Context) {}))
	assert.Len(t, s.entries, 2)

	s.UnregisterConnection("conn-1")
	assert.Len(t, s.entries, 1)
}
