package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/models"
)

// claimCandidates is how many claimable jobs Claim tries before giving up
// to concurrent claimers.
const claimCandidates = 5

const statusCancelled = "Cancelled by user"

func (c *Client) getJob(ctx context.Context, id string) (*models.Job, error) {
	rows, err := query[models.Job](ctx, c, `SELECT * FROM type::record("job", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, notFound("job", id)
	}
	return &rows[0], nil
}

// Enqueue adds a job unless one for the same type and dataset exists, in which
// case the existing job is returned.
func (c *Client) Enqueue(ctx context.Context, jobType, datasetKey string) (*models.Job, error) {
	id := models.JobID(jobType, datasetKey)
	now := c.now().UTC()
	rows, err := query[models.Job](ctx, c, `
		CREATE type::record("job", $id) CONTENT {
			job_id: $id,
			job_type: $type,
			dataset_key: $dataset,
			attempts: 0,
			release_after: $now,
			created: $now
		}
	`, map[string]any{"id": id, "type": jobType, "dataset": datasetKey, "now": now})
	if errors.Is(err, ErrAlreadyExists) {
		return c.getJob(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("enqueue job: no result returned")
	}
	return &rows[0], nil
}

// FinishJob removes a job. Finishing a removed job is not an error.
func (c *Client) FinishJob(ctx context.Context, job *models.Job) error {
	_, err := query[models.Job](ctx, c, `DELETE type::record("job", $id)`, map[string]any{"id": job.ID})
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// Release returns a claimed job to the queue, claimable after delay.
// Releasing a removed job is not an error.
func (c *Client) Release(ctx context.Context, job *models.Job, delay time.Duration) error {
	return c.release(ctx, job, delay, 0)
}

// ReleaseFailed is Release for a job whose run failed; it counts the attempt.
func (c *Client) ReleaseFailed(ctx context.Context, job *models.Job, delay time.Duration) error {
	return c.release(ctx, job, delay, 1)
}

func (c *Client) release(ctx context.Context, job *models.Job, delay time.Duration, failed int) error {
	rows, err := query[models.Job](ctx, c, `
		UPDATE type::record("job", $id) SET
			claimed_by = NONE,
			claimed_at = NONE,
			interrupt = NONE,
			attempts += $failed,
			release_after = $after
		RETURN AFTER
	`, map[string]any{"id": job.ID, "failed": failed, "after": c.now().UTC().Add(delay)})
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if len(rows) > 0 {
		job.Attempts = rows[0].Attempts
		job.ReleaseAfter = rows[0].ReleaseAfter
	}
	return nil
}

// Claim hands the oldest claimable job of one of types to workerID. The
// claim is a conditional update, so two workers never hold the same job.
// Returns nil when no job is claimable.
func (c *Client) Claim(ctx context.Context, workerID string, types []string) (*models.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := c.now().UTC()
	candidates, err := query[models.Job](ctx, c, `
		SELECT * FROM job
		WHERE claimed_by = NONE AND release_after <= $now AND job_type IN $types
		ORDER BY release_after, created, job_id
		LIMIT $limit
	`, map[string]any{"now": now, "types": types, "limit": claimCandidates})
	if err != nil {
		return nil, fmt.Errorf("find claimable jobs: %w", err)
	}

	for _, cand := range candidates {
		rows, err := query[models.Job](ctx, c, `
			UPDATE type::record("job", $id) SET
				claimed_by = $worker,
				claimed_at = $now
			WHERE claimed_by = NONE
			RETURN AFTER
		`, map[string]any{"id": cand.ID, "worker": workerID, "now": now})
		if errors.Is(err, ErrTransactionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if len(rows) > 0 {
			return &rows[0], nil
		}
	}
	return nil, nil
}

// Interrupts returns the requested interrupt level of every listed job that has one.
func (c *Client) Interrupts(ctx context.Context, jobIDs []string) (map[string]interrupt.Level, error) {
	out := map[string]interrupt.Level{}
	if len(jobIDs) == 0 {
		return out, nil
	}
	rows, err := query[models.Job](ctx, c,
		`SELECT job_id, interrupt FROM job WHERE job_id IN $ids AND interrupt != NONE`,
		map[string]any{"ids": jobIDs})
	if err != nil {
		return nil, fmt.Errorf("load interrupts: %w", err)
	}
	for _, j := range rows {
		if l := interrupt.ParseLevel(j.Interrupt); l != interrupt.None {
			out[j.ID] = l
		}
	}
	return out, nil
}

// RequestInterrupt asks the running jobs of a dataset to stop. Jobs not
// currently claimed are settled immediately: a cancel removes them and marks
// the dataset cancelled, a retry leaves them queued. Returns the number of
// jobs affected.
func (c *Client) RequestInterrupt(ctx context.Context, datasetKey string, level interrupt.Level) (int, error) {
	jobs, err := query[models.Job](ctx, c, `SELECT * FROM job WHERE dataset_key = $key`, map[string]any{"key": datasetKey})
	if err != nil {
		return 0, fmt.Errorf("load dataset jobs: %w", err)
	}

	for _, j := range jobs {
		if j.ClaimedBy != nil {
			if interrupt.ParseLevel(j.Interrupt) >= level {
				continue
			}
			_, err := query[models.Job](ctx, c,
				`UPDATE type::record("job", $id) SET interrupt = $level`,
				map[string]any{"id": j.ID, "level": level.String()})
			if err != nil {
				return 0, fmt.Errorf("request interrupt: %w", err)
			}
			continue
		}
		if level != interrupt.Cancel {
			continue
		}
		if err := c.FinishJob(ctx, &j); err != nil {
			return 0, err
		}
		err := c.updateDataset(ctx, datasetKey, "state = $state, status_text = $text", map[string]any{
			"state": string(models.StateError),
			"text":  statusCancelled,
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("mark dataset cancelled: %w", err)
		}
	}
	return len(jobs), nil
}

// ReleaseStale unclaims jobs claimed longer than olderThan ago.
func (c *Client) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := query[models.Job](ctx, c, `
		UPDATE job SET claimed_by = NONE, claimed_at = NONE
		WHERE claimed_by != NONE AND claimed_at < $cutoff
		RETURN AFTER
	`, map[string]any{"cutoff": c.now().UTC().Add(-olderThan)})
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return len(rows), nil
}

// ListJobs returns all jobs, oldest first.
func (c *Client) ListJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := query[models.Job](ctx, c, `SELECT * FROM job ORDER BY release_after, created, job_id`, nil)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*models.Job, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// CountJobs counts jobs of a type, or all jobs when jobType is empty.
func (c *Client) CountJobs(ctx context.Context, jobType string) (int, error) {
	if jobType == "" {
		return c.count(ctx, `SELECT count() AS c FROM job GROUP ALL`, nil)
	}
	return c.count(ctx, `SELECT count() AS c FROM job WHERE job_type = $type GROUP ALL`, map[string]any{"type": jobType})
}
