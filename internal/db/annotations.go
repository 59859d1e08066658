package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/dataforge/internal/models"
)

func annotationContent(a models.Annotation) map[string]any {
	content := map[string]any{
		"annotation_id": a.ID,
		"dataset":       a.Dataset,
		"field_id":      a.FieldID,
		"item_id":       a.ItemID,
		"label":         a.Label,
		"type":          a.Type,
		"value":         a.Value,
		"author":        a.Author,
		"from_dataset":  a.FromDataset,
		"timestamp":     a.Timestamp,
	}
	if a.Metadata != nil {
		content["metadata"] = a.Metadata
	}
	return content
}

// UpsertAnnotations writes rows keyed by their annotation id in one statement.
func (c *Client) UpsertAnnotations(ctx context.Context, items []models.Annotation) error {
	if len(items) == 0 {
		return nil
	}
	contents := make([]map[string]any, len(items))
	for i, a := range items {
		contents[i] = annotationContent(a)
	}
	_, err := query[any](ctx, c, `
		FOR $a IN $items {
			UPSERT type::record("annotation", $a.annotation_id) CONTENT $a;
		};
	`, map[string]any{"items": contents})
	if err != nil {
		return fmt.Errorf("upsert annotations: %w", err)
	}
	return nil
}

func (c *Client) deleteAnnotations(ctx context.Context, where string, vars map[string]any) (int, error) {
	rows, err := query[models.Annotation](ctx, c, `DELETE annotation WHERE `+where+` RETURN BEFORE`, vars)
	if err != nil {
		return 0, fmt.Errorf("delete annotations: %w", err)
	}
	return len(rows), nil
}

func (c *Client) DeleteAnnotationsByDataset(ctx context.Context, datasetKey string) (int, error) {
	return c.deleteAnnotations(ctx, "dataset = $key", map[string]any{"key": datasetKey})
}

func (c *Client) DeleteAnnotationsByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return c.deleteAnnotations(ctx, "annotation_id IN $ids", map[string]any{"ids": ids})
}

func (c *Client) DeleteAnnotationsByFieldIDs(ctx context.Context, fieldIDs []string) (int, error) {
	if len(fieldIDs) == 0 {
		return 0, nil
	}
	return c.deleteAnnotations(ctx, "field_id IN $ids", map[string]any{"ids": fieldIDs})
}

// GetAnnotations returns the annotations stored on a dataset, ordered by item then label.
func (c *Client) GetAnnotations(ctx context.Context, datasetKey string) ([]models.Annotation, error) {
	rows, err := query[models.Annotation](ctx, c,
		`SELECT * FROM annotation WHERE dataset = $key ORDER BY item_id, label`,
		map[string]any{"key": datasetKey})
	if err != nil {
		return nil, fmt.Errorf("get annotations: %w", err)
	}
	return rows, nil
}
