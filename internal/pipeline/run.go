package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/proxy"
)

// annotationFlushSize is how many buffered annotations trigger a write.
const annotationFlushSize = 1000

// Run is what a work function sees of the unit of work it executes.
type Run struct {
	Dataset      *models.Dataset
	Source       *models.Dataset // nil for data sources
	Genealogy    []*models.Dataset
	InsidePreset bool
	Descriptor   models.ProcessorDescriptor
	// Params is the resolved parameter snapshot, sensitive options included.
	Params map[string]any
	Logger *slog.Logger

	flag        *interrupt.Flag
	layout      Layout
	datasets    DatasetStore
	chainer     *Chainer
	annotations *AnnotationWriter
	delegator   proxy.Delegator
	proxyOpts   []proxy.Option
	pending     []models.Annotation
	saved       int
	closing     string
}

// Flag returns the interrupt flag of this run, for iterators that poll it.
func (r *Run) Flag() *interrupt.Flag { return r.flag }

// Interrupted returns an *interrupt.Signal when an interrupt has been requested.
// Work functions call it at their own suspension points.
func (r *Run) Interrupted() error { return r.flag.Check() }

// ResultPath is where the work function writes its result artifact.
func (r *Run) ResultPath() string { return r.layout.ResultPath(r.Dataset) }

// SourcePath is the result artifact of the upstream source, "" for data sources.
func (r *Run) SourcePath() string {
	if r.Source == nil {
		return ""
	}
	return r.layout.ResultPath(r.Source)
}

// RootSource is the top of the genealogy.
func (r *Run) RootSource() *models.Dataset {
	return r.Genealogy[0]
}

// StagingArea creates (if needed) and returns the run's scratch directory.
func (r *Run) StagingArea() (string, error) {
	dir := r.layout.StagingPath(r.Dataset.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging area: %w", err)
	}
	return dir, nil
}

// UpdateStatus sets the dataset's status text. Failures are logged only.
func (r *Run) UpdateStatus(ctx context.Context, text string) {
	r.Dataset.StatusText = text
	if err := r.datasets.UpdateStatus(ctx, r.Dataset.Key, text); err != nil {
		r.Logger.Warn("failed to update status", "error", err)
	}
}

// SetClosingStatus replaces the default status text the dataset gets when the
// work completes. Progress messages set with UpdateStatus are not kept.
func (r *Run) SetClosingStatus(text string) {
	r.closing = text
}

// UpdateProgress records progress as a fraction in [0, 1]. Failures are logged only.
func (r *Run) UpdateProgress(ctx context.Context, fraction float64) {
	fraction = min(max(fraction, 0), 1)
	if err := r.datasets.UpdateProgress(ctx, r.Dataset.Key, fraction); err != nil {
		r.Logger.Warn("failed to update progress", "error", err)
	}
}

// Annotate buffers annotations for the root source dataset and writes them in batches.
func (r *Run) Annotate(ctx context.Context, items ...models.Annotation) error {
	r.pending = append(r.pending, items...)
	if len(r.pending) < annotationFlushSize {
		return nil
	}
	_, err := r.flushAnnotations(ctx)
	return err
}

// flushAnnotations writes buffered annotations and returns the total saved so far.
func (r *Run) flushAnnotations(ctx context.Context) (int, error) {
	if len(r.pending) == 0 {
		return r.saved, nil
	}
	n, err := r.annotations.Save(ctx, r.pending)
	if err != nil {
		return r.saved, err
	}
	r.saved += n
	r.pending = r.pending[:0]
	return r.saved, nil
}

// QueueFollowup creates a child of this run's dataset and queues work for it.
func (r *Run) QueueFollowup(ctx context.Context, f models.Followup) (*models.Dataset, error) {
	return r.chainer.QueueChild(ctx, r.Dataset, f)
}

// ProxyClient returns a request client bound to this run's proxy queue. Each
// poll cycle of the client is a suspension point.
func (r *Run) ProxyClient(opts ...proxy.Option) (*proxy.Client, error) {
	if r.delegator == nil {
		return nil, ErrNoDelegator
	}
	all := make([]proxy.Option, 0, len(r.proxyOpts)+len(opts)+1)
	all = append(all, r.proxyOpts...)
	all = append(all, proxy.WithInterrupt(r.flag))
	all = append(all, opts...)
	return proxy.NewClient(r.delegator, QueueName(r.Descriptor.Type, r.Dataset.Key), all...), nil
}
