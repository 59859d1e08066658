package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/memstore"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runnerFunc settles jobs itself, the way the controller does.
type runnerFunc func(ctx context.Context, job *models.Job, flag *interrupt.Flag) pipeline.Outcome

func (f runnerFunc) Run(ctx context.Context, job *models.Job, flag *interrupt.Flag) pipeline.Outcome {
	return f(ctx, job, flag)
}

func seed(t *testing.T, store *memstore.Store, jobType string, keys ...string) {
	t.Helper()
	ctx := context.Background()
	for _, k := range keys {
		require.NoError(t, store.CreateDataset(ctx, &models.Dataset{Key: k, Type: jobType, State: models.StateQueued}))
		_, err := store.Enqueue(ctx, jobType, k)
		require.NoError(t, err)
	}
}

func testConfig(types ...string) Config {
	return Config{
		WorkerID:     "test",
		Slots:        4,
		PollInterval: 5 * time.Millisecond,
		RetryBase:    time.Millisecond,
		Types:        types,
	}
}

func TestDrainRunsEveryJob(t *testing.T) {
	store := memstore.New()
	seed(t, store, "a", "d1", "d2", "d3")

	var ran atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.Job, _ *interrupt.Flag) pipeline.Outcome {
		ran.Add(1)
		assert.NoError(t, store.FinishJob(ctx, job))
		return pipeline.Completed(1)
	})

	m := NewManager(store, runner, store, testConfig("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))

	assert.Equal(t, int32(3), ran.Load())
	snap := m.Metrics().Snapshot()
	require.Len(t, snap.Processors, 1)
	assert.Equal(t, int64(3), snap.Processors[0].Outcomes["completed"])
}

func TestPerTypeConcurrencyLimit(t *testing.T) {
	store := memstore.New()
	seed(t, store, "slow", "d1", "d2", "d3")
	seed(t, store, "fast", "d4")

	var current, peak atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.Job, _ *interrupt.Flag) pipeline.Outcome {
		if job.Type == "slow" {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
		}
		assert.NoError(t, store.FinishJob(ctx, job))
		return pipeline.Completed(1)
	})

	cfg := testConfig("slow", "fast")
	cfg.MaxWorkers = func(jobType string) int {
		if jobType == "slow" {
			return 1
		}
		return 0
	}
	m := NewManager(store, runner, store, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))

	assert.Equal(t, int32(1), peak.Load())
}

func TestFailedJobIsRetriedThenDropped(t *testing.T) {
	store := memstore.New()
	seed(t, store, "broken", "d1")

	var attempts atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.Job, _ *interrupt.Flag) pipeline.Outcome {
		attempts.Add(1)
		return pipeline.Failed(errors.New("boom"))
	})

	cfg := testConfig("broken")
	cfg.MaxAttempts = 3
	m := NewManager(store, runner, store, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))

	assert.Equal(t, int32(3), attempts.Load())
	d, err := store.GetDataset(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, d.State)
}

func TestDeferralsDoNotUseFailureBudget(t *testing.T) {
	store := memstore.New()
	seed(t, store, "waiting", "d1")

	var runs, failures atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.Job, _ *interrupt.Flag) pipeline.Outcome {
		if runs.Add(1) <= 2 {
			assert.NoError(t, store.Release(ctx, job, 0))
			return pipeline.Outcome{Kind: pipeline.OutcomeDeferred}
		}
		failures.Add(1)
		return pipeline.Failed(errors.New("boom"))
	})

	cfg := testConfig("waiting")
	cfg.MaxAttempts = 3
	m := NewManager(store, runner, store, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))

	assert.Equal(t, int32(5), runs.Load())
	assert.Equal(t, int32(3), failures.Load(), "every failure attempt is used")
	d, err := store.GetDataset(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, d.State)
}

func TestRetryDelayGrowsExponentially(t *testing.T) {
	m := NewManager(memstore.New(), nil, nil, Config{RetryBase: time.Second})

	assert.Equal(t, time.Second, m.retryDelay(0))
	assert.Equal(t, 2*time.Second, m.retryDelay(1))
	assert.Equal(t, 4*time.Second, m.retryDelay(2))
	assert.Equal(t, 64*time.Second, m.retryDelay(20), "capped")
}

func TestInterruptIsDeliveredToRunningJob(t *testing.T) {
	store := memstore.New()
	seed(t, store, "a", "d1")

	started := make(chan struct{})
	var seen atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.Job, flag *interrupt.Flag) pipeline.Outcome {
		close(started)
		for !flag.Requested() {
			time.Sleep(time.Millisecond)
		}
		seen.Store(int32(flag.Level()))
		assert.NoError(t, store.FinishJob(ctx, job))
		return pipeline.Cancelled(flag.Level())
	})

	m := NewManager(store, runner, store, testConfig("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var drainErr error
	go func() {
		defer wg.Done()
		drainErr = m.Drain(ctx)
	}()

	<-started
	_, err := store.RequestInterrupt(context.Background(), "d1", interrupt.Cancel)
	require.NoError(t, err)
	wg.Wait()

	require.NoError(t, drainErr)
	assert.Equal(t, int32(interrupt.Cancel), seen.Load())
}

func TestShutdownAsksRunningJobsToRetry(t *testing.T) {
	store := memstore.New()
	seed(t, store, "a", "d1")

	started := make(chan struct{})
	var seen atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *models.Job, flag *interrupt.Flag) pipeline.Outcome {
		close(started)
		for !flag.Requested() {
			time.Sleep(time.Millisecond)
		}
		seen.Store(int32(flag.Level()))
		assert.NoError(t, store.Release(ctx, job, 0))
		return pipeline.Cancelled(flag.Level())
	})

	m := NewManager(store, runner, store, testConfig("a"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	<-started
	assert.Len(t, m.Running(), 1)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, int32(interrupt.Retry), seen.Load())
	assert.Empty(t, m.Running())

	n, err := store.CountJobs(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "job stays queued for the next worker")
}
