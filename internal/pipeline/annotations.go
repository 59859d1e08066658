package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/raphaelgruber/dataforge/internal/models"
)

// DefaultAnnotationType is used for annotations that do not declare a type.
const DefaultAnnotationType = "text"

// FieldID derives the annotation field id for a label written by fromKey
// onto the owning dataset. The same triple always yields the same id; the
// parts are separated so shifting characters between them changes the id.
func FieldID(owningKey, label, fromKey string) string {
	h := xxhash.New()
	_, _ = h.WriteString(owningKey)
	_, _ = h.WriteString("\x1f")
	_, _ = h.WriteString(label)
	_, _ = h.WriteString("\x1f")
	_, _ = h.WriteString(fromKey)
	return strconv.FormatUint(h.Sum64(), 16)
}

// AnnotationID derives the row id of an annotation, keyed by (dataset, item, field).
func AnnotationID(owningKey, itemID, fieldID string) string {
	return models.NameID("annotation", owningKey, itemID, fieldID)
}

// AnnotationWriter persists annotations generated by one processor run.
type AnnotationWriter struct {
	datasets    DatasetStore
	annotations AnnotationStore
	owningKey   string
	fromKey     string
	author      string
	logger      *slog.Logger
}

// NewAnnotationWriter creates a writer storing annotations on owningKey on
// behalf of the dataset fromKey, produced by processorType.
func NewAnnotationWriter(datasets DatasetStore, annotations AnnotationStore, owningKey, fromKey, processorType string, logger *slog.Logger) *AnnotationWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnnotationWriter{
		datasets:    datasets,
		annotations: annotations,
		owningKey:   owningKey,
		fromKey:     fromKey,
		author:      processorType,
		logger:      logger,
	}
}

// Save stores a batch of annotations and registers any new annotation fields
// on the owning dataset. Returns the number of annotations saved.
func (w *AnnotationWriter) Save(ctx context.Context, items []models.Annotation) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	fields, err := w.datasets.GetAnnotationFields(ctx, w.owningKey)
	if err != nil {
		return 0, fmt.Errorf("load annotation fields: %w", err)
	}
	if fields == nil {
		fields = map[string]models.AnnotationField{}
	}

	now := time.Now().UTC()
	rows := make([]models.Annotation, 0, len(items))
	newFields := 0
	for i, item := range items {
		if item.ItemID == "" {
			return 0, fmt.Errorf("annotation %d: item id is required", i)
		}
		if item.Label == "" {
			item.Label = w.author
		}
		if item.Author == "" {
			item.Author = w.author
		}
		if item.Type == "" {
			item.Type = DefaultAnnotationType
		}
		if item.Timestamp.IsZero() {
			item.Timestamp = now
		}
		item.FromDataset = w.fromKey
		item.Dataset = w.owningKey
		item.FieldID = FieldID(w.owningKey, item.Label, w.fromKey)
		item.ID = AnnotationID(w.owningKey, item.ItemID, item.FieldID)

		if _, known := fields[item.FieldID]; !known {
			fields[item.FieldID] = models.AnnotationField{
				ID:          item.FieldID,
				Label:       item.Label,
				Type:        item.Type,
				FromDataset: w.fromKey,
			}
			newFields++
		}
		rows = append(rows, item)
	}

	// Fields go first so every stored annotation has a field to be found by during cleanup.
	if newFields > 0 {
		if err := w.datasets.SaveAnnotationFields(ctx, w.owningKey, fields); err != nil {
			return 0, fmt.Errorf("save annotation fields: %w", err)
		}
		w.logger.Debug("registered annotation fields", "dataset", w.owningKey, "new_fields", newFields)
	}
	if err := w.annotations.UpsertAnnotations(ctx, rows); err != nil {
		return 0, fmt.Errorf("save annotations: %w", err)
	}
	return len(rows), nil
}

// RemoveAnnotationsFrom deletes every annotation fromKey wrote onto owningKey,
// together with the fields it registered. Deleting what is already gone is not an error.
func RemoveAnnotationsFrom(ctx context.Context, datasets DatasetStore, annotations AnnotationStore, owningKey, fromKey string) (int, error) {
	fields, err := datasets.GetAnnotationFields(ctx, owningKey)
	if errors.Is(err, models.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load annotation fields: %w", err)
	}

	var ids []string
	for id, f := range fields {
		if f.FromDataset == fromKey {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	deleted, err := annotations.DeleteAnnotationsByFieldIDs(ctx, ids)
	if err != nil {
		return deleted, fmt.Errorf("delete annotations: %w", err)
	}
	for _, id := range ids {
		delete(fields, id)
	}
	if err := datasets.SaveAnnotationFields(ctx, owningKey, fields); err != nil {
		return deleted, fmt.Errorf("save annotation fields: %w", err)
	}
	return deleted, nil
}
