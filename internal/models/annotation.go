package models

import "time"

// Annotation is a label/value attached to one item of a dataset.
type Annotation struct {
	ID          string         `json:"annotation_id"`
	Dataset     string         `json:"dataset"`
	FieldID     string         `json:"field_id"`
	ItemID      string         `json:"item_id"`
	Label       string         `json:"label"`
	Type        string         `json:"type"`
	Value       string         `json:"value"`
	Author      string         `json:"author"`
	FromDataset string         `json:"from_dataset"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AnnotationField describes one kind of annotation stored on a dataset.
type AnnotationField struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Type        string            `json:"type"`
	FromDataset string            `json:"from_dataset,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Hidden      bool              `json:"hidden"`
}
