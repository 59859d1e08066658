package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"time"

	"github.com/raphaelgruber/dataforge/internal/config"
	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/proxy"
)

const (
	// DefaultUpstreamDelay is how long a job waits before re-checking an unfinished source.
	DefaultUpstreamDelay = 10 * time.Second
	// DefaultRetryDelay is how long an interrupted job waits before it is claimable again.
	DefaultRetryDelay = 10 * time.Second
)

// Status texts written by the controller.
const (
	StatusFinished      = "Dataset completed."
	StatusEmpty         = "Dataset completed, but no rows were produced."
	StatusAwaitingSteps = "Awaiting completion of preset steps"
	StatusMissingParent = "parent dataset no longer exists"
	StatusRetrying      = "Interrupted, will retry"
	StatusCancelled     = "Cancelled by user"
	StatusFailed        = "Processor failed, see log"
	StatusRunning       = "Running"
)

// Deps are the collaborators a Controller works against.
type Deps struct {
	Datasets    DatasetStore
	Queue       JobQueue
	Annotations AnnotationStore
	Catalog     *Catalog
	// Delegator is optional; without one, runs cannot use a proxy client.
	Delegator proxy.Delegator
	Layout    Layout
	Logger    *slog.Logger
}

// Options tune a Controller.
type Options struct {
	Version       string
	Commit        string
	UpstreamDelay time.Duration
	RetryDelay    time.Duration
	MaxDepth      int
	ProxyOptions  []proxy.Option
}

// Controller executes one job at a time per call. It is safe to share
// between goroutines; all per-run state lives in the Run.
type Controller struct {
	deps    Deps
	opts    Options
	chainer *Chainer
}

// NewController creates a controller, filling unset options with defaults.
func NewController(deps Deps, opts Options) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.UpstreamDelay <= 0 {
		opts.UpstreamDelay = DefaultUpstreamDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Controller{
		deps:    deps,
		opts:    opts,
		chainer: NewChainer(deps.Datasets, deps.Queue, deps.Catalog, deps.Layout),
	}
}

// Chainer returns the followup chainer used after successful runs.
func (c *Controller) Chainer() *Chainer { return c.chainer }

// Run executes the job. flag is polled at every suspension point; a nil flag
// never interrupts. The returned error-free outcomes (Completed, Cancelled,
// Deferred, Skipped) have already settled the job in the queue. A Failed
// outcome leaves the job claimed for the caller to release or finish.
func (c *Controller) Run(ctx context.Context, job *models.Job, flag *interrupt.Flag) Outcome {
	logger := c.deps.Logger.With("job_id", job.ID, "dataset", job.DatasetKey, "type", job.Type)

	dataset, err := c.deps.Datasets.GetDataset(ctx, job.DatasetKey)
	if errors.Is(err, models.ErrNotFound) {
		logger.Info("dataset no longer exists, finishing job")
		c.finishJob(ctx, job, logger)
		return skipped("dataset deleted")
	}
	if err != nil {
		return Failed(fmt.Errorf("load dataset: %w", err))
	}

	desc, proc, ok := c.deps.Catalog.Lookup(job.Type)
	if !ok {
		return Failed(fmt.Errorf("%w: %s", ErrUnknownProcessor, job.Type))
	}

	res, err := ResolveGenealogy(ctx, c.deps.Datasets, c.deps.Catalog, dataset, c.opts.MaxDepth)
	if errors.Is(err, ErrUnresolvableSource) {
		logger.Warn("cannot resolve source, giving up on dataset", "error", err)
		c.setState(ctx, dataset.Key, models.StateError, logger)
		c.updateStatus(ctx, dataset.Key, StatusMissingParent, logger)
		c.finishJob(ctx, job, logger)
		return skipped("unresolvable source")
	}
	if err != nil {
		return Failed(fmt.Errorf("resolve genealogy: %w", err))
	}

	// Steps inside a preset wait as well: the resolver already skipped the
	// enclosing preset, so Source is never the preset itself.
	if res.Source != nil && !res.Source.IsFinished() && !dataset.IsFinished() {
		logger.Debug("source not finished yet, releasing job",
			"source", res.Source.Key, "inside_preset", res.InsidePreset, "delay", c.opts.UpstreamDelay)
		if err := c.deps.Queue.Release(ctx, job, c.opts.UpstreamDelay); err != nil {
			return Failed(fmt.Errorf("release job: %w", err))
		}
		return deferred("source " + res.Source.Key + " not finished")
	}

	if dataset.IsFinished() {
		logger.Info("dataset already finished, finishing duplicate job")
		c.finishJob(ctx, job, logger)
		return skipped("already finished")
	}

	dsLogger, closeLog, err := config.DatasetLogger(logger, c.deps.Layout.LogPath(dataset.Key))
	if err != nil {
		logger.Warn("dataset log unavailable, logging to worker log only", "error", err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			logger.Warn("failed to close dataset log", "error", err)
		}
	}()

	run, err := c.setup(ctx, dataset, res, desc, flag, dsLogger)
	if err != nil {
		return Failed(err)
	}

	if flag.Requested() {
		dsLogger.Info("interrupt requested before work started", "level", flag.Level())
		return c.abort(ctx, job, run, flag.Level())
	}

	dsLogger.Info("processing dataset", "source", sourceKey(res.Source), "inside_preset", res.InsidePreset)
	started := time.Now()
	outcome := c.invoke(ctx, proc, run)

	switch outcome.Kind {
	case OutcomeCompleted:
		return c.complete(ctx, job, run, outcome.Rows, time.Since(started))
	case OutcomeCancelled:
		level := outcome.Level
		if level == interrupt.None {
			level = max(flag.Level(), interrupt.Retry)
		}
		return c.abort(ctx, job, run, level)
	default:
		return c.fail(ctx, run, res, outcome.Err)
	}
}

// setup records version info, moves the dataset to processing and takes the
// parameter snapshot.
func (c *Controller) setup(ctx context.Context, d *models.Dataset, res Resolution, desc models.ProcessorDescriptor, flag *interrupt.Flag, logger *slog.Logger) (*Run, error) {
	if err := c.deps.Datasets.SetVersion(ctx, d.Key, c.opts.Version, c.opts.Commit); err != nil {
		return nil, fmt.Errorf("set version: %w", err)
	}
	if err := c.deps.Datasets.SetState(ctx, d.Key, models.StateProcessing); err != nil {
		return nil, fmt.Errorf("set processing: %w", err)
	}
	c.updateStatus(ctx, d.Key, StatusRunning, logger)
	d.State = models.StateProcessing
	d.StatusText = StatusRunning

	params, err := c.snapshotParams(ctx, d, desc)
	if err != nil {
		return nil, err
	}

	root := res.Root()
	return &Run{
		Dataset:      d,
		Source:       res.Source,
		Genealogy:    res.Genealogy,
		InsidePreset: res.InsidePreset,
		Descriptor:   desc,
		Params:       params,
		Logger:       logger,
		flag:         flag,
		layout:       c.deps.Layout,
		datasets:     c.deps.Datasets,
		chainer:      c.chainer,
		annotations:  NewAnnotationWriter(c.deps.Datasets, c.deps.Annotations, root.Key, d.Key, desc.Type, logger),
		delegator:    c.deps.Delegator,
		proxyOpts:    c.opts.ProxyOptions,
	}, nil
}

// snapshotParams fills defaults for undeclared options, persists the result
// and strips sensitive options from the stored copy. The returned map keeps them.
func (c *Controller) snapshotParams(ctx context.Context, d *models.Dataset, desc models.ProcessorDescriptor) (map[string]any, error) {
	params := models.CloneParams(d.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	var sensitive []string
	for name, opt := range desc.Options {
		if _, ok := params[name]; !ok && opt.Default != nil {
			params[name] = opt.Default
		}
		if opt.Sensitive {
			sensitive = append(sensitive, name)
		}
	}

	if err := c.deps.Datasets.SaveParameters(ctx, d.Key, params); err != nil {
		return nil, fmt.Errorf("save parameters: %w", err)
	}
	slices.Sort(sensitive)
	stored := models.CloneParams(params)
	for _, name := range sensitive {
		if err := c.deps.Datasets.DeleteParameter(ctx, d.Key, name); err != nil {
			return nil, fmt.Errorf("delete sensitive parameter %s: %w", name, err)
		}
		delete(stored, name)
	}
	d.Parameters = stored
	return params, nil
}

// invoke calls the work function, turning a panic into a failure.
func (c *Controller) invoke(ctx context.Context, proc Processor, run *Run) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			run.Logger.Error("processor panicked", "panic", r, "stack", string(debug.Stack()))
			out = Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	return proc.Process(ctx, run)
}

func (c *Controller) complete(ctx context.Context, job *models.Job, run *Run, rows int, took time.Duration) Outcome {
	d := run.Dataset
	logger := run.Logger

	if _, err := run.flushAnnotations(ctx); err != nil {
		return c.fail(ctx, run, Resolution{Genealogy: run.Genealogy}, fmt.Errorf("flush annotations: %w", err))
	}

	if run.Descriptor.Preset() {
		c.updateStatus(ctx, d.Key, StatusAwaitingSteps, logger)
		logger.Info("preset steps queued", "took", took)
	} else {
		status := completionStatus(run.Descriptor, rows)
		if run.closing != "" {
			status = run.closing
		}
		c.updateStatus(ctx, d.Key, status, logger)
		if err := c.deps.Datasets.FinishDataset(ctx, d.Key, rows); err != nil {
			return c.fail(ctx, run, Resolution{Genealogy: run.Genealogy}, fmt.Errorf("finish dataset: %w", err))
		}
		logger.Info("dataset finished", "rows", rows, "took", took)

		// The dataset is final from here on; chaining problems are reported but
		// never undo the result.
		if fresh, err := c.deps.Datasets.GetDataset(ctx, d.Key); err == nil {
			d = fresh
		} else {
			d.StatusText = status
		}
		if err := c.chainer.AfterSuccess(ctx, d, rows, logger); err != nil {
			logger.Error("followup chaining failed", "error", err)
		}
	}

	if err := os.RemoveAll(c.deps.Layout.StagingPath(d.Key)); err != nil {
		logger.Warn("failed to remove staging area", "error", err)
	}
	c.finishJob(ctx, job, logger)
	return Completed(rows)
}

// abort runs cleanup and then applies the interrupt level.
func (c *Controller) abort(ctx context.Context, job *models.Job, run *Run, level interrupt.Level) Outcome {
	ctx = context.WithoutCancel(ctx)
	logger := run.Logger
	c.cleanup(ctx, run)

	switch level {
	case interrupt.Cancel:
		c.setState(ctx, run.Dataset.Key, models.StateError, logger)
		c.updateStatus(ctx, run.Dataset.Key, StatusCancelled, logger)
		c.finishJob(ctx, job, logger)
		logger.Info("dataset cancelled")
		return Cancelled(interrupt.Cancel)
	default:
		c.setState(ctx, run.Dataset.Key, models.StateQueued, logger)
		c.updateStatus(ctx, run.Dataset.Key, StatusRetrying, logger)
		if err := c.deps.Queue.Release(ctx, job, c.opts.RetryDelay); err != nil {
			logger.Error("failed to release interrupted job", "error", err)
		}
		logger.Info("dataset interrupted, job released", "delay", c.opts.RetryDelay)
		return Cancelled(interrupt.Retry)
	}
}

func (c *Controller) fail(ctx context.Context, run *Run, res Resolution, err error) Outcome {
	ctx = context.WithoutCancel(ctx)
	c.cleanup(ctx, run)
	c.setState(ctx, run.Dataset.Key, models.StateError, run.Logger)
	c.updateStatus(ctx, run.Dataset.Key, StatusFailed, run.Logger)

	werr := &WorkError{
		DatasetKey:    run.Dataset.Key,
		ProcessorType: run.Descriptor.Type,
		Genealogy:     res.Keys(),
		LogPath:       c.deps.Layout.LogPath(run.Dataset.Key),
		Err:           err,
	}
	run.Logger.Error("processor failed", "genealogy", werr.Genealogy, "log", werr.LogPath, "error", err)
	return Failed(werr)
}

// cleanup removes everything a run may have produced. Each step tolerates
// the thing it removes being absent already.
func (c *Controller) cleanup(ctx context.Context, run *Run) {
	d := run.Dataset
	logger := run.Logger

	if c.deps.Delegator != nil {
		if err := c.deps.Delegator.HaltAndWait(ctx, QueueName(run.Descriptor.Type, d.Key)); err != nil {
			logger.Warn("failed to halt proxy queue", "error", err)
		}
	}

	run.pending = nil
	if root := run.RootSource(); root != nil {
		n, err := RemoveAnnotationsFrom(ctx, c.deps.Datasets, c.deps.Annotations, root.Key, d.Key)
		if err != nil {
			logger.Warn("failed to remove annotations", "error", err)
		} else if n > 0 {
			logger.Info("removed annotations written by this run", "count", n)
		}
	}

	if err := os.Remove(c.deps.Layout.ResultPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial result", "error", err)
	}
	if err := os.RemoveAll(c.deps.Layout.StagingPath(d.Key)); err != nil {
		logger.Warn("failed to remove staging area", "error", err)
	}
}

func (c *Controller) finishJob(ctx context.Context, job *models.Job, logger *slog.Logger) {
	if err := c.deps.Queue.FinishJob(ctx, job); err != nil {
		logger.Error("failed to finish job", "error", err)
	}
}

func (c *Controller) setState(ctx context.Context, key string, state models.DatasetState, logger *slog.Logger) {
	if err := c.deps.Datasets.SetState(ctx, key, state); err != nil {
		logger.Warn("failed to set dataset state", "state", state, "error", err)
	}
}

func (c *Controller) updateStatus(ctx context.Context, key, text string, logger *slog.Logger) {
	if err := c.deps.Datasets.UpdateStatus(ctx, key, text); err != nil {
		logger.Warn("failed to update status", "error", err)
	}
}

func completionStatus(desc models.ProcessorDescriptor, rows int) string {
	if rows == 0 {
		if desc.Status != nil && desc.Status.Empty != "" {
			return desc.Status.Empty
		}
		return StatusEmpty
	}
	if desc.Status != nil && desc.Status.Finished != "" {
		return desc.Status.Finished
	}
	return StatusFinished
}

func sourceKey(d *models.Dataset) string {
	if d == nil {
		return ""
	}
	return d.Key
}
