// Package worker runs queued jobs through the pipeline controller with a
// bounded pool of concurrent runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/metrics"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"
)

// Claimer is the worker's side of the job queue.
type Claimer interface {
	pipeline.JobQueue
	// Claim hands out the oldest claimable job of one of types, or nil.
	Claim(ctx context.Context, workerID string, types []string) (*models.Job, error)
	// ReleaseFailed releases a job after a failed run and counts the attempt.
	// Plain releases are transient and leave the count alone.
	ReleaseFailed(ctx context.Context, job *models.Job, delay time.Duration) error
	// Interrupts returns the requested interrupt level of the listed jobs that have one.
	Interrupts(ctx context.Context, jobIDs []string) (map[string]interrupt.Level, error)
	// ReleaseStale unclaims jobs claimed longer than olderThan ago.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
	// CountJobs counts queued jobs of a type.
	CountJobs(ctx context.Context, jobType string) (int, error)
}

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job *models.Job, flag *interrupt.Flag) pipeline.Outcome
}

// Config tunes a Manager.
type Config struct {
	WorkerID     string
	Slots        int
	PollInterval time.Duration
	MaxAttempts  int
	// RetryBase is the delay before the first re-attempt of a failed job.
	RetryBase time.Duration
	// StaleAfter releases jobs claimed longer ago than this when the manager
	// starts. Zero skips the step.
	StaleAfter time.Duration
	// Types are the job types this worker runs.
	Types []string
	// MaxWorkers bounds concurrent runs per type; nil or non-positive means Slots.
	MaxWorkers func(jobType string) int
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// RunningJob describes a job currently being executed.
type RunningJob struct {
	Job     models.Job
	Started time.Time
	Level   interrupt.Level
}

type activeJob struct {
	job     *models.Job
	flag    *interrupt.Flag
	started time.Time
}

// Manager polls the queue and runs claimed jobs.
type Manager struct {
	claimer  Claimer
	runner   Runner
	datasets pipeline.DatasetStore
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	active  map[string]*activeJob
	perType map[string]int
	wg      conc.WaitGroup
}

// NewManager creates a manager. Unset config values get defaults.
func NewManager(claimer Claimer, runner Runner, datasets pipeline.DatasetStore, cfg Config) *Manager {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	return &Manager{
		claimer:  claimer,
		runner:   runner,
		datasets: datasets,
		cfg:      cfg,
		logger:   cfg.Logger.With("worker", cfg.WorkerID),
		active:   make(map[string]*activeJob),
		perType:  make(map[string]int),
	}
}

// Metrics returns the collector runs are recorded in.
func (m *Manager) Metrics() *metrics.Collector { return m.cfg.Metrics }

// Run claims and executes jobs until ctx is cancelled. On shutdown every
// running job is asked to retry, and Run returns once all of them settled.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.StaleAfter > 0 {
		n, err := m.claimer.ReleaseStale(ctx, m.cfg.StaleAfter)
		if err != nil {
			return fmt.Errorf("release stale jobs: %w", err)
		}
		if n > 0 {
			m.logger.Info("released stale jobs", "count", n)
		}
	}

	m.logger.Info("worker started", "slots", m.cfg.Slots, "types", m.cfg.Types)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.every(gctx, func(ctx context.Context) { m.claimAvailable(ctx) })
	})
	g.Go(func() error {
		return m.every(gctx, m.deliverInterrupts)
	})
	err := g.Wait()

	m.shutdown()
	m.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drain runs jobs until no job of the worker's types is left in the queue
// and nothing is running, or until ctx is cancelled.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		m.deliverInterrupts(ctx)
		m.claimAvailable(ctx)

		if m.runningCount() == 0 {
			left, err := m.queued(ctx)
			if err != nil {
				m.shutdown()
				return err
			}
			if left == 0 {
				m.wg.Wait()
				return nil
			}
		}

		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running lists the jobs currently executing.
func (m *Manager) Running() []RunningJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunningJob, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, RunningJob{Job: *a.job, Started: a.started, Level: a.flag.Level()})
	}
	return out
}

// every calls fn immediately and then on every poll tick until ctx is done.
func (m *Manager) every(ctx context.Context, fn func(context.Context)) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) queued(ctx context.Context) (int, error) {
	total := 0
	for _, t := range m.cfg.Types {
		n, err := m.claimer.CountJobs(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("count jobs: %w", err)
		}
		total += n
	}
	return total, nil
}

// claimAvailable claims jobs until slots are exhausted or nothing is claimable.
func (m *Manager) claimAvailable(ctx context.Context) {
	for ctx.Err() == nil {
		types := m.claimableTypes()
		if len(types) == 0 {
			return
		}
		job, err := m.claimer.Claim(ctx, m.cfg.WorkerID, types)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Error("failed to claim job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		m.start(job)
	}
}

func (m *Manager) claimableTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) >= m.cfg.Slots {
		return nil
	}
	var out []string
	for _, t := range m.cfg.Types {
		limit := m.cfg.Slots
		if m.cfg.MaxWorkers != nil {
			if n := m.cfg.MaxWorkers(t); n > 0 {
				limit = n
			}
		}
		if m.perType[t] < limit {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) start(job *models.Job) {
	a := &activeJob{job: job, flag: &interrupt.Flag{}, started: time.Now()}
	m.mu.Lock()
	m.active[job.ID] = a
	m.perType[job.Type]++
	m.mu.Unlock()
	m.cfg.Metrics.RunStarted()

	m.wg.Go(func() {
		// Runs are stopped through their flag, never by cancelling their context.
		ctx := context.Background()
		defer m.finish(a)

		outcome := m.runner.Run(ctx, job, a.flag)
		m.cfg.Metrics.RecordRun(job.Type, outcome.Kind.String(), outcome.Rows, time.Since(a.started))
		if outcome.Kind == pipeline.OutcomeFailed {
			m.settleFailure(ctx, job, outcome.Err)
		}
	})
}

func (m *Manager) finish(a *activeJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, a.job.ID)
	m.perType[a.job.Type]--
}

// settleFailure re-schedules a failed job with exponential backoff, or gives
// up on it once it used all attempts. Only failed runs count as attempts.
func (m *Manager) settleFailure(ctx context.Context, job *models.Job, cause error) {
	logger := m.logger.With("job_id", job.ID, "dataset", job.DatasetKey, "type", job.Type, "attempts", job.Attempts+1)

	if job.Attempts+1 < m.cfg.MaxAttempts {
		delay := m.retryDelay(job.Attempts)
		if err := m.claimer.ReleaseFailed(ctx, job, delay); err != nil {
			logger.Error("failed to release failed job", "error", err)
			return
		}
		m.setDataset(ctx, job.DatasetKey, models.StateQueued, fmt.Sprintf("Failed, retrying in %s", delay.Round(time.Second)), logger)
		logger.Warn("job failed, will retry", "delay", delay, "error", cause)
		return
	}

	if err := m.claimer.FinishJob(ctx, job); err != nil {
		logger.Error("failed to finish failed job", "error", err)
	}
	var werr *pipeline.WorkError
	if !errors.As(cause, &werr) {
		m.setDataset(ctx, job.DatasetKey, models.StateError, "Processing failed", logger)
	}
	logger.Error("job failed permanently", "error", cause)
}

func (m *Manager) setDataset(ctx context.Context, key string, state models.DatasetState, status string, logger *slog.Logger) {
	if err := m.datasets.SetState(ctx, key, state); err != nil && !errors.Is(err, models.ErrNotFound) {
		logger.Warn("failed to set dataset state", "error", err)
		return
	}
	if err := m.datasets.UpdateStatus(ctx, key, status); err != nil && !errors.Is(err, models.ErrNotFound) {
		logger.Warn("failed to update dataset status", "error", err)
	}
}

// retryDelay is the exponential backoff delay before attempt number attempts+1.
func (m *Manager) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 64 * m.cfg.RetryBase
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for range attempts {
		delay = b.NextBackOff()
	}
	return delay
}

// deliverInterrupts raises the flags of running jobs an interrupt was requested for.
func (m *Manager) deliverInterrupts(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	levels, err := m.claimer.Interrupts(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("failed to poll interrupts", "error", err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, level := range levels {
		if a, ok := m.active[id]; ok && a.flag.Level() < level {
			m.logger.Info("interrupt requested", "job_id", id, "dataset", a.job.DatasetKey, "level", level)
			a.flag.Request(level)
		}
	}
}

// shutdown asks every running job to retry later and waits for them.
func (m *Manager) shutdown() {
	m.mu.Lock()
	for _, a := range m.active {
		a.flag.Request(interrupt.Retry)
	}
	n := len(m.active)
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("waiting for running jobs to stop", "count", n)
	}
	m.wg.Wait()
}
