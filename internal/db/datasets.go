package db

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/raphaelgruber/dataforge/internal/models"
)

// datasetContent is the stored form of d, without the record id and with
// NONE fields left out.
func datasetContent(d *models.Dataset) map[string]any {
	params := d.Parameters
	if params == nil {
		params = map[string]any{}
	}
	fields := d.AnnotationFields
	if fields == nil {
		fields = map[string]models.AnnotationField{}
	}
	owners := d.Owners
	if owners == nil {
		owners = []string{}
	}
	content := map[string]any{
		"key":               d.Key,
		"type":              d.Type,
		"state":             string(d.State),
		"status_text":       d.StatusText,
		"progress":          d.Progress,
		"num_rows":          d.NumRows,
		"parameters":        params,
		"annotation_fields": fields,
		"result_file":       d.ResultFile,
		"owner":             d.Owner,
		"owners":            owners,
		"private":           d.Private,
		"created":           d.Created,
		"updated":           d.Updated,
	}
	if d.HasParent() {
		content["parent_key"] = d.Parent()
	}
	if d.SoftwareVersion != "" {
		content["software_version"] = d.SoftwareVersion
	}
	if d.SoftwareCommit != "" {
		content["software_commit"] = d.SoftwareCommit
	}
	return content
}

// GetDataset retrieves a dataset by key.
func (c *Client) GetDataset(ctx context.Context, key string) (*models.Dataset, error) {
	rows, err := query[models.Dataset](ctx, c, `SELECT * FROM type::record("dataset", $key)`, map[string]any{"key": key})
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	if len(rows) == 0 {
		return nil, notFound("dataset", key)
	}
	return &rows[0], nil
}

// CreateDataset stores d unless a dataset with the same key exists.
func (c *Client) CreateDataset(ctx context.Context, d *models.Dataset) error {
	now := c.now().UTC()
	stored := d.Clone()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.Updated = now

	_, err := query[models.Dataset](ctx, c, `CREATE type::record("dataset", $key) CONTENT $content`, map[string]any{
		"key":     d.Key,
		"content": datasetContent(stored),
	})
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

// DeleteDataset removes a dataset with its jobs and annotations.
func (c *Client) DeleteDataset(ctx context.Context, key string) error {
	if _, err := c.GetDataset(ctx, key); err != nil {
		return err
	}
	_, err := query[any](ctx, c, `
		BEGIN TRANSACTION;
		DELETE job WHERE dataset_key = $key;
		DELETE annotation WHERE dataset = $key;
		DELETE type::record("dataset", $key);
		COMMIT TRANSACTION;
	`, map[string]any{"key": key})
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	return nil
}

// ListDatasets returns all datasets, oldest first. A non-empty parentKey
// restricts the result to that dataset's children.
func (c *Client) ListDatasets(ctx context.Context, parentKey string) ([]*models.Dataset, error) {
	sql := `SELECT * FROM dataset ORDER BY created, key`
	vars := map[string]any{}
	if parentKey != "" {
		sql = `SELECT * FROM dataset WHERE parent_key = $parent ORDER BY created, key`
		vars["parent"] = parentKey
	}
	rows, err := query[models.Dataset](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	out := make([]*models.Dataset, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// updateDataset applies a SET clause to one dataset and bumps its updated time.
func (c *Client) updateDataset(ctx context.Context, key, set string, vars map[string]any) error {
	vars["key"] = key
	vars["now"] = c.now().UTC()
	rows, err := query[models.Dataset](ctx, c,
		`UPDATE type::record("dataset", $key) SET `+set+`, updated = $now RETURN AFTER`, vars)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return notFound("dataset", key)
	}
	return nil
}

func (c *Client) UpdateStatus(ctx context.Context, key, text string) error {
	return c.updateDataset(ctx, key, "status_text = $text", map[string]any{"text": text})
}

func (c *Client) UpdateProgress(ctx context.Context, key string, fraction float64) error {
	return c.updateDataset(ctx, key, "progress = $progress", map[string]any{"progress": fraction})
}

func (c *Client) SetState(ctx context.Context, key string, state models.DatasetState) error {
	return c.updateDataset(ctx, key, "state = $state", map[string]any{"state": string(state)})
}

// FinishDataset records the row count and moves the dataset to finished, or
// to empty when rows is zero.
func (c *Client) FinishDataset(ctx context.Context, key string, rows int) error {
	state := models.StateFinished
	if rows == 0 {
		state = models.StateEmpty
	}
	err := c.updateDataset(ctx, key, "num_rows = $rows, progress = 1.0, state = $state", map[string]any{
		"rows":  rows,
		"state": string(state),
	})
	if err != nil {
		return fmt.Errorf("finish dataset: %w", err)
	}
	return nil
}

func (c *Client) SetVersion(ctx context.Context, key, version, commit string) error {
	return c.updateDataset(ctx, key, "software_version = $version, software_commit = $commit", map[string]any{
		"version": version,
		"commit":  commit,
	})
}

func (c *Client) SetResultFile(ctx context.Context, key, name string) error {
	return c.updateDataset(ctx, key, "result_file = $name", map[string]any{"name": name})
}

func (c *Client) SaveParameters(ctx context.Context, key string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	return c.updateDataset(ctx, key, "parameters = $params", map[string]any{"params": params})
}

// SetParameter sets one parameter, keeping the others.
func (c *Client) SetParameter(ctx context.Context, key, name string, value any) error {
	d, err := c.GetDataset(ctx, key)
	if err != nil {
		return err
	}
	params := models.CloneParams(d.Parameters)
	params[name] = value
	return c.SaveParameters(ctx, key, params)
}

// DeleteParameter removes one parameter. Removing an absent parameter is not an error.
func (c *Client) DeleteParameter(ctx context.Context, key, name string) error {
	d, err := c.GetDataset(ctx, key)
	if err != nil {
		return err
	}
	if _, ok := d.Parameters[name]; !ok {
		return nil
	}
	params := models.CloneParams(d.Parameters)
	delete(params, name)
	return c.SaveParameters(ctx, key, params)
}

func (c *Client) GetAnnotationFields(ctx context.Context, key string) (map[string]models.AnnotationField, error) {
	d, err := c.GetDataset(ctx, key)
	if err != nil {
		return nil, err
	}
	return d.AnnotationFields, nil
}

func (c *Client) SaveAnnotationFields(ctx context.Context, key string, fields map[string]models.AnnotationField) error {
	if fields == nil {
		fields = map[string]models.AnnotationField{}
	}
	return c.updateDataset(ctx, key, "annotation_fields = $fields", map[string]any{"fields": fields})
}

// CopyDataset stores a copy of a dataset under a new key. A deep copy also
// copies the annotations stored on it, rewritten to the new key.
func (c *Client) CopyDataset(ctx context.Context, key string, deep bool) (*models.Dataset, error) {
	src, err := c.GetDataset(ctx, key)
	if err != nil {
		return nil, err
	}

	cp := src.Clone()
	cp.ID = nil
	cp.Key = uuid.NewString()
	if ext := src.ResultExtension(); ext != "" {
		cp.ResultFile = cp.Key + "." + ext
	}
	cp.Created = c.now().UTC()
	if !deep {
		cp.AnnotationFields = map[string]models.AnnotationField{}
	}
	if err := c.CreateDataset(ctx, cp); err != nil {
		return nil, err
	}

	if deep {
		anns, err := c.GetAnnotations(ctx, key)
		if err != nil {
			return nil, err
		}
		for i := range anns {
			anns[i].Dataset = cp.Key
			anns[i].ID = models.NameID("annotation", cp.Key, anns[i].ItemID, anns[i].FieldID)
			anns[i].Metadata = maps.Clone(anns[i].Metadata)
		}
		if err := c.UpsertAnnotations(ctx, anns); err != nil {
			return nil, fmt.Errorf("copy annotations: %w", err)
		}
	}
	return c.GetDataset(ctx, cp.Key)
}

// DetachFromParent turns a dataset into a root dataset.
func (c *Client) DetachFromParent(ctx context.Context, key string) error {
	return c.updateDataset(ctx, key, "parent_key = NONE", map[string]any{})
}
