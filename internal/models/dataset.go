// Package models defines data structures for the dataforge processing pipeline.
package models

import (
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// DatasetState is the lifecycle state of a dataset.
type DatasetState string

const (
	StateQueued     DatasetState = "queued"
	StateProcessing DatasetState = "processing"
	StateFinished   DatasetState = "finished"
	StateEmpty      DatasetState = "empty"
	StateError      DatasetState = "error"
)

// Well-known parameter names.
const (
	ParamNext     = "next"
	ParamAttachTo = "attach_to"
	ParamCopyTo   = "copy_to"
)

// Dataset is a stored result set produced by one unit of work.
type Dataset struct {
	ID               *surrealmodels.RecordID    `json:"id,omitempty"`
	Key              string                     `json:"key"`
	Type             string                     `json:"type"`
	ParentKey        *string                    `json:"parent_key,omitempty"`
	State            DatasetState               `json:"state"`
	StatusText       string                     `json:"status_text"`
	Progress         float64                    `json:"progress"`
	NumRows          int                        `json:"num_rows"`
	Parameters       map[string]any             `json:"parameters"`
	AnnotationFields map[string]AnnotationField `json:"annotation_fields"`
	ResultFile       string                     `json:"result_file"`
	Owner            string                     `json:"owner"`
	Owners           []string                   `json:"owners"`
	Private          bool                       `json:"private"`
	SoftwareVersion  string                     `json:"software_version,omitempty"`
	SoftwareCommit   string                     `json:"software_commit,omitempty"`
	Created          time.Time                  `json:"created"`
	Updated          time.Time                  `json:"updated"`
}

// IsFinished reports whether the dataset reached a terminal success state.
func (d *Dataset) IsFinished() bool {
	return d.State == StateFinished || d.State == StateEmpty
}

// HasParent reports whether the dataset was derived from another dataset.
func (d *Dataset) HasParent() bool {
	return d.ParentKey != nil && *d.ParentKey != ""
}

// Parent returns the parent key, or "" for root datasets.
func (d *Dataset) Parent() string {
	if d.ParentKey == nil {
		return ""
	}
	return *d.ParentKey
}

// ResultExtension returns the suffix of the stored result file, without the dot.
func (d *Dataset) ResultExtension() string {
	if i := strings.LastIndex(d.ResultFile, "."); i >= 0 {
		return d.ResultFile[i+1:]
	}
	return ""
}

// Param returns a parameter value and whether it is present.
func (d *Dataset) Param(name string) (any, bool) {
	if d.Parameters == nil {
		return nil, false
	}
	v, ok := d.Parameters[name]
	return v, ok
}

// StringParam returns a string parameter, or "" if absent or not a string.
func (d *Dataset) StringParam(name string) string {
	v, _ := d.Param(name)
	s, _ := v.(string)
	return s
}

// Clone returns a deep enough copy for callers that mutate maps.
func (d *Dataset) Clone() *Dataset {
	c := *d
	if d.ParentKey != nil {
		p := *d.ParentKey
		c.ParentKey = &p
	}
	c.Parameters = CloneParams(d.Parameters)
	if d.AnnotationFields != nil {
		c.AnnotationFields = make(map[string]AnnotationField, len(d.AnnotationFields))
		for k, v := range d.AnnotationFields {
			c.AnnotationFields[k] = v
		}
	}
	c.Owners = append([]string(nil), d.Owners...)
	return &c
}

// CloneParams copies a parameter map one level deep.
func CloneParams(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
