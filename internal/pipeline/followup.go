package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/dataforge/internal/models"
)

const defaultExtension = "ndjson"

// Chainer decides what runs after a unit of work completes.
type Chainer struct {
	datasets DatasetStore
	queue    JobQueue
	catalog  *Catalog
	layout   Layout
}

// NewChainer creates a followup chainer.
func NewChainer(datasets DatasetStore, queue JobQueue, catalog *Catalog, layout Layout) *Chainer {
	return &Chainer{datasets: datasets, queue: queue, catalog: catalog, layout: layout}
}

// ChildKey derives the key of the dataset a followup creates under parentKey.
// Re-queueing the same followup yields the same key.
func ChildKey(parentKey string, f models.Followup) string {
	params, err := json.Marshal(f.Parameters)
	if err != nil {
		params = []byte(fmt.Sprintf("%v", f.Parameters))
	}
	return models.NameID("dataset", parentKey, f.Type, string(params))
}

// QueueChild creates the dataset for a followup under parent and enqueues its job.
// Both steps are idempotent.
func (c *Chainer) QueueChild(ctx context.Context, parent *models.Dataset, f models.Followup) (*models.Dataset, error) {
	ext := defaultExtension
	if desc, ok := c.catalog.Descriptor(f.Type); ok && desc.Extension != "" {
		ext = desc.Extension
	}

	key := ChildKey(parent.Key, f)
	parentKey := parent.Key
	now := time.Now().UTC()
	child := &models.Dataset{
		Key:              key,
		Type:             f.Type,
		ParentKey:        &parentKey,
		State:            models.StateQueued,
		StatusText:       "Queued",
		Parameters:       models.CloneParams(f.Parameters),
		AnnotationFields: map[string]models.AnnotationField{},
		ResultFile:       key + "." + ext,
		Owner:            parent.Owner,
		Owners:           append([]string(nil), parent.Owners...),
		Private:          parent.Private,
		Created:          now,
		Updated:          now,
	}
	if err := c.datasets.CreateDataset(ctx, child); err != nil {
		return nil, fmt.Errorf("create child dataset: %w", err)
	}
	if _, err := c.queue.Enqueue(ctx, f.Type, key); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", f.Type, err)
	}
	return child, nil
}

// AfterSuccess runs the followups declared in d's parameters, then the
// copy-to and attach-to steps. rows is the row count d finished with.
func (c *Chainer) AfterSuccess(ctx context.Context, d *models.Dataset, rows int, logger *slog.Logger) error {
	next, err := models.DecodeFollowups(d.Parameters[models.ParamNext])
	if err != nil {
		logger.Warn("ignoring malformed followups", "error", err)
		next = nil
	}

	available := map[string]bool{}
	for _, desc := range c.catalog.Compatible(d.Type) {
		available[desc.Type] = true
	}

	attachTo := d.StringParam(models.ParamAttachTo)
	for _, f := range next {
		canContinue := rows > 0 && available[f.Type]
		if canContinue {
			child, err := c.QueueChild(ctx, d, f)
			if err != nil {
				return err
			}
			logger.Info("queued followup", "type", f.Type, "child", child.Key)
			continue
		}

		logger.Info("followup cannot continue", "type", f.Type, "rows", rows, "available", available[f.Type])
		found, ok := findAttachTo([]models.Followup{f})
		if !ok {
			continue
		}
		if attachTo != "" && attachTo != found {
			logger.Warn("conflicting attach_to in followups, keeping first", "kept", attachTo, "ignored", found)
			continue
		}
		if attachTo == found {
			continue
		}
		attachTo = found
		if err := c.datasets.SetParameter(ctx, d.Key, models.ParamAttachTo, found); err != nil {
			return fmt.Errorf("set attach_to: %w", err)
		}
		if d.Parameters == nil {
			d.Parameters = map[string]any{}
		}
		d.Parameters[models.ParamAttachTo] = found
	}

	if target := d.StringParam(models.ParamCopyTo); target != "" {
		if err := c.copyTo(d, target); err != nil {
			logger.Warn("copy-to failed", "target", target, "error", err)
		}
	}

	if attachTo != "" {
		c.attachTo(ctx, d, rows, attachTo, logger)
	}
	return nil
}

// findAttachTo searches a followup chain depth-first for an attach_to target.
// The first one found wins.
func findAttachTo(fs []models.Followup) (string, bool) {
	for _, f := range fs {
		if v, ok := f.Parameters[models.ParamAttachTo].(string); ok && v != "" {
			return v, true
		}
		if v, ok := findAttachTo(f.Next()); ok {
			return v, true
		}
	}
	return "", false
}

// copyTo duplicates the result artifact to target. A missing result leaves an
// empty placeholder, since external watchers rely on the file existing.
func (c *Chainer) copyTo(d *models.Dataset, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src := c.layout.ResultPath(d)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(target, nil, 0o644)
	}
	return CopyFile(src, target)
}

// attachTo hands d's result and status to the surrogate dataset. Failures are
// logged and never fail d itself.
func (c *Chainer) attachTo(ctx context.Context, d *models.Dataset, rows int, surrogateKey string, logger *slog.Logger) {
	log := logger.With("surrogate", surrogateKey)

	surrogate, err := c.datasets.GetDataset(ctx, surrogateKey)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("attach_to target no longer exists")
		return
	}
	if err != nil {
		log.Warn("failed to load attach_to target", "error", err)
		return
	}

	name := surrogate.Key + "." + d.ResultExtension()
	src := c.layout.ResultPath(d)
	dst := filepath.Join(c.layout.Root, name)
	if _, err := os.Stat(src); err == nil {
		if err := CopyFile(src, dst); err != nil {
			log.Warn("failed to copy result to surrogate", "error", err)
			return
		}
	} else if err := os.WriteFile(dst, nil, 0o644); err != nil {
		log.Warn("failed to write surrogate placeholder", "error", err)
		return
	}
	if surrogate.ResultFile != name {
		if err := c.datasets.SetResultFile(ctx, surrogate.Key, name); err != nil {
			log.Warn("failed to update surrogate result file", "error", err)
		}
	}

	if !surrogate.IsFinished() {
		if err := c.datasets.FinishDataset(ctx, surrogate.Key, rows); err != nil {
			log.Warn("failed to finish surrogate", "error", err)
		}
	}
	if err := c.datasets.UpdateStatus(ctx, surrogate.Key, d.StatusText); err != nil {
		log.Warn("failed to update surrogate status", "error", err)
	}
	log.Info("attached result to surrogate", "rows", rows)
}

// CopyFile copies src to dst through a temporary file, so dst is never partial.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
