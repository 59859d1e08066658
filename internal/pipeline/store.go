// Package pipeline runs one unit of work against a dataset: it resolves the
// dataset's upstream source, invokes the processor, chains followup work,
// persists annotations and cleans up after cancellation or failure.
package pipeline

import (
	"context"
	"time"

	"github.com/raphaelgruber/dataforge/internal/models"
)

// DatasetStore is the persistence contract for datasets.
// Get methods return an error wrapping ErrNotFound for missing datasets.
type DatasetStore interface {
	GetDataset(ctx context.Context, key string) (*models.Dataset, error)
	CreateDataset(ctx context.Context, d *models.Dataset) error
	UpdateStatus(ctx context.Context, key, text string) error
	UpdateProgress(ctx context.Context, key string, fraction float64) error
	SetState(ctx context.Context, key string, state models.DatasetState) error
	// FinishDataset records the row count and moves the dataset to finished, or to
	// empty when rows is zero.
	FinishDataset(ctx context.Context, key string, rows int) error
	SetVersion(ctx context.Context, key, version, commit string) error
	SetResultFile(ctx context.Context, key, name string) error
	SaveParameters(ctx context.Context, key string, params map[string]any) error
	SetParameter(ctx context.Context, key, name string, value any) error
	DeleteParameter(ctx context.Context, key, name string) error
	GetAnnotationFields(ctx context.Context, key string) (map[string]models.AnnotationField, error)
	SaveAnnotationFields(ctx context.Context, key string, fields map[string]models.AnnotationField) error
}

// JobQueue is the contract of the at-least-once job queue.
type JobQueue interface {
	// FinishJob removes the job permanently.
	FinishJob(ctx context.Context, job *models.Job) error
	// Release puts the job back in the queue, claimable again after delay. It does
	// not count as a failed attempt.
	Release(ctx context.Context, job *models.Job, delay time.Duration) error
	// Enqueue adds a job unless one with the same type and dataset already exists.
	Enqueue(ctx context.Context, jobType, datasetKey string) (*models.Job, error)
}

// AnnotationStore persists annotation rows.
type AnnotationStore interface {
	// UpsertAnnotations writes rows keyed by (dataset, item id, label).
	UpsertAnnotations(ctx context.Context, items []models.Annotation) error
	DeleteAnnotationsByDataset(ctx context.Context, datasetKey string) (int, error)
	DeleteAnnotationsByIDs(ctx context.Context, ids []string) (int, error)
	DeleteAnnotationsByFieldIDs(ctx context.Context, fieldIDs []string) (int, error)
}
