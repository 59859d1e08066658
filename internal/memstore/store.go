// Package memstore keeps datasets, jobs and annotations in process memory.
// It backs single-process runs and the pipeline tests.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/models"
)

// Store is safe for concurrent use. Every read returns a copy.
type Store struct {
	mu          sync.Mutex
	datasets    map[string]*models.Dataset
	jobs        map[string]*models.Job
	annotations map[string]models.Annotation
	now         func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		datasets:    make(map[string]*models.Dataset),
		jobs:        make(map[string]*models.Job),
		annotations: make(map[string]models.Annotation),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, models.ErrNotFound)
}

// dataset returns the stored record for in-place mutation. Caller holds mu.
func (s *Store) dataset(key string) (*models.Dataset, error) {
	d, ok := s.datasets[key]
	if !ok {
		return nil, notFound("dataset", key)
	}
	return d, nil
}

func (s *Store) mutate(key string, fn func(d *models.Dataset)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.dataset(key)
	if err != nil {
		return err
	}
	fn(d)
	d.Updated = s.now()
	return nil
}

// --- datasets ---

// GetDataset returns a copy of the dataset.
func (s *Store) GetDataset(_ context.Context, key string) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.dataset(key)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// CreateDataset stores d unless a dataset with the same key exists.
func (s *Store) CreateDataset(_ context.Context, d *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.datasets[d.Key]; exists {
		return nil
	}
	c := d.Clone()
	if c.Created.IsZero() {
		c.Created = s.now()
	}
	c.Updated = s.now()
	if c.AnnotationFields == nil {
		c.AnnotationFields = map[string]models.AnnotationField{}
	}
	s.datasets[d.Key] = c
	return nil
}

// DeleteDataset removes a dataset with its jobs and annotations.
func (s *Store) DeleteDataset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dataset(key); err != nil {
		return err
	}
	delete(s.datasets, key)
	maps.DeleteFunc(s.jobs, func(_ string, j *models.Job) bool { return j.DatasetKey == key })
	maps.DeleteFunc(s.annotations, func(_ string, a models.Annotation) bool { return a.Dataset == key })
	return nil
}

// ListDatasets returns all datasets, oldest first. A non-empty parentKey
// restricts the result to that dataset's children.
func (s *Store) ListDatasets(_ context.Context, parentKey string) ([]*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Dataset, 0, len(s.datasets))
	for _, d := range s.datasets {
		if parentKey != "" && d.Parent() != parentKey {
			continue
		}
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Dataset) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, key, text string) error {
	return s.mutate(key, func(d *models.Dataset) { d.StatusText = text })
}

func (s *Store) UpdateProgress(_ context.Context, key string, fraction float64) error {
	return s.mutate(key, func(d *models.Dataset) { d.Progress = fraction })
}

func (s *Store) SetState(_ context.Context, key string, state models.DatasetState) error {
	return s.mutate(key, func(d *models.Dataset) { d.State = state })
}

func (s *Store) FinishDataset(_ context.Context, key string, rows int) error {
	return s.mutate(key, func(d *models.Dataset) {
		d.NumRows = rows
		d.Progress = 1
		d.State = models.StateFinished
		if rows == 0 {
			d.State = models.StateEmpty
		}
	})
}

func (s *Store) SetVersion(_ context.Context, key, version, commit string) error {
	return s.mutate(key, func(d *models.Dataset) {
		d.SoftwareVersion = version
		d.SoftwareCommit = commit
	})
}

func (s *Store) SetResultFile(_ context.Context, key, name string) error {
	return s.mutate(key, func(d *models.Dataset) { d.ResultFile = name })
}

func (s *Store) SaveParameters(_ context.Context, key string, params map[string]any) error {
	return s.mutate(key, func(d *models.Dataset) { d.Parameters = models.CloneParams(params) })
}

func (s *Store) SetParameter(_ context.Context, key, name string, value any) error {
	return s.mutate(key, func(d *models.Dataset) {
		if d.Parameters == nil {
			d.Parameters = map[string]any{}
		}
		d.Parameters[name] = value
	})
}

func (s *Store) DeleteParameter(_ context.Context, key, name string) error {
	return s.mutate(key, func(d *models.Dataset) { delete(d.Parameters, name) })
}

func (s *Store) GetAnnotationFields(_ context.Context, key string) (map[string]models.AnnotationField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.dataset(key)
	if err != nil {
		return nil, err
	}
	return maps.Clone(d.AnnotationFields), nil
}

func (s *Store) SaveAnnotationFields(_ context.Context, key string, fields map[string]models.AnnotationField) error {
	return s.mutate(key, func(d *models.Dataset) { d.AnnotationFields = maps.Clone(fields) })
}

// CopyDataset stores a copy of a dataset under a new key. A deep copy also
// copies the annotations stored on it, rewritten to the new key.
// The copy has no jobs; its result file name follows the new key.
func (s *Store) CopyDataset(_ context.Context, key string, deep bool) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.dataset(key)
	if err != nil {
		return nil, err
	}

	c := src.Clone()
	c.ID = nil
	c.Key = uuid.NewString()
	if ext := src.ResultExtension(); ext != "" {
		c.ResultFile = c.Key + "." + ext
	}
	c.Created = s.now()
	c.Updated = c.Created
	if !deep {
		c.AnnotationFields = map[string]models.AnnotationField{}
	}
	s.datasets[c.Key] = c

	if deep {
		for _, a := range s.annotations {
			if a.Dataset != key {
				continue
			}
			a.Dataset = c.Key
			a.ID = models.NameID("annotation", c.Key, a.ItemID, a.FieldID)
			a.Metadata = maps.Clone(a.Metadata)
			s.annotations[a.ID] = a
		}
	}
	return c.Clone(), nil
}

// DetachFromParent turns a dataset into a root dataset.
func (s *Store) DetachFromParent(_ context.Context, key string) error {
	return s.mutate(key, func(d *models.Dataset) { d.ParentKey = nil })
}

// --- jobs ---

// Enqueue adds a job unless one for the same type and dataset exists.
func (s *Store) Enqueue(_ context.Context, jobType, datasetKey string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := models.JobID(jobType, datasetKey)
	if j, ok := s.jobs[id]; ok {
		c := *j
		return &c, nil
	}
	now := s.now()
	j := &models.Job{ID: id, Type: jobType, DatasetKey: datasetKey, ReleaseAfter: now, Created: now}
	s.jobs[id] = j
	c := *j
	return &c, nil
}

// FinishJob removes a job. Finishing a removed job is not an error.
func (s *Store) FinishJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, job.ID)
	return nil
}

// Release returns a claimed job to the queue, claimable after delay.
func (s *Store) Release(_ context.Context, job *models.Job, delay time.Duration) error {
	return s.release(job, delay, false)
}

// ReleaseFailed is Release for a job whose run failed; it counts the attempt.
func (s *Store) ReleaseFailed(_ context.Context, job *models.Job, delay time.Duration) error {
	return s.release(job, delay, true)
}

func (s *Store) release(job *models.Job, delay time.Duration, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[job.ID]
	if !ok {
		return nil
	}
	j.ClaimedBy = nil
	j.ClaimedAt = nil
	j.Interrupt = ""
	if failed {
		j.Attempts++
	}
	j.ReleaseAfter = s.now().Add(delay)
	job.Attempts = j.Attempts
	job.ReleaseAfter = j.ReleaseAfter
	return nil
}

// Claim hands the oldest claimable job of one of types to workerID.
// Returns nil when no job is claimable.
func (s *Store) Claim(_ context.Context, workerID string, types []string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var best *models.Job
	for _, j := range s.jobs {
		if j.ClaimedBy != nil || j.ReleaseAfter.After(now) || !slices.Contains(types, j.Type) {
			continue
		}
		if best == nil || jobBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	worker := workerID
	best.ClaimedBy = &worker
	best.ClaimedAt = &now
	c := *best
	return &c, nil
}

func jobBefore(a, b *models.Job) bool {
	if !a.ReleaseAfter.Equal(b.ReleaseAfter) {
		return a.ReleaseAfter.Before(b.ReleaseAfter)
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.ID < b.ID
}

// Interrupts returns the requested interrupt level of every listed job that has one.
func (s *Store) Interrupts(_ context.Context, jobIDs []string) (map[string]interrupt.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]interrupt.Level{}
	for _, id := range jobIDs {
		if j, ok := s.jobs[id]; ok {
			if l := interrupt.ParseLevel(j.Interrupt); l != interrupt.None {
				out[id] = l
			}
		}
	}
	return out, nil
}

// RequestInterrupt asks the running jobs of a dataset to stop. Jobs not
// currently claimed are settled immediately: a cancel removes them and marks
// the dataset cancelled, a retry leaves them queued. Returns the number of
// jobs affected.
func (s *Store) RequestInterrupt(_ context.Context, datasetKey string, level interrupt.Level) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.DatasetKey != datasetKey {
			continue
		}
		n++
		if j.ClaimedBy != nil {
			if interrupt.ParseLevel(j.Interrupt) < level {
				j.Interrupt = level.String()
			}
			continue
		}
		if level == interrupt.Cancel {
			delete(s.jobs, id)
			if d, ok := s.datasets[datasetKey]; ok {
				d.State = models.StateError
				d.StatusText = "Cancelled by user"
				d.Updated = s.now()
			}
		}
	}
	return n, nil
}

// ReleaseStale unclaims jobs claimed longer than olderThan ago.
func (s *Store) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, j := range s.jobs {
		if j.ClaimedBy == nil || j.ClaimedAt == nil || j.ClaimedAt.After(cutoff) {
			continue
		}
		j.ClaimedBy = nil
		j.ClaimedAt = nil
		n++
	}
	return n, nil
}

// ListJobs returns all jobs, oldest first.
func (s *Store) ListJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		if jobBefore(a, b) {
			return -1
		}
		if jobBefore(b, a) {
			return 1
		}
		return 0
	})
	return out, nil
}

// CountJobs counts jobs of a type, or all jobs when jobType is empty.
func (s *Store) CountJobs(_ context.Context, jobType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if jobType == "" || j.Type == jobType {
			n++
		}
	}
	return n, nil
}

// --- annotations ---

func (s *Store) UpsertAnnotations(_ context.Context, items []models.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range items {
		a.Metadata = maps.Clone(a.Metadata)
		s.annotations[a.ID] = a
	}
	return nil
}

func (s *Store) DeleteAnnotationsByDataset(_ context.Context, datasetKey string) (int, error) {
	return s.deleteAnnotations(func(a models.Annotation) bool { return a.Dataset == datasetKey }), nil
}

func (s *Store) DeleteAnnotationsByIDs(_ context.Context, ids []string) (int, error) {
	return s.deleteAnnotations(func(a models.Annotation) bool { return slices.Contains(ids, a.ID) }), nil
}

func (s *Store) DeleteAnnotationsByFieldIDs(_ context.Context, fieldIDs []string) (int, error) {
	return s.deleteAnnotations(func(a models.Annotation) bool { return slices.Contains(fieldIDs, a.FieldID) }), nil
}

func (s *Store) deleteAnnotations(match func(models.Annotation) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.annotations)
	maps.DeleteFunc(s.annotations, func(_ string, a models.Annotation) bool { return match(a) })
	return before - len(s.annotations)
}

// GetAnnotations returns the annotations stored on a dataset, ordered by item then label.
func (s *Store) GetAnnotations(_ context.Context, datasetKey string) ([]models.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Annotation
	for _, a := range s.annotations {
		if a.Dataset == datasetKey {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b models.Annotation) int {
		if c := cmp.Compare(a.ItemID, b.ItemID); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})
	return out, nil
}
