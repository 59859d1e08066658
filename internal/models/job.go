package models

import "time"

// Job is one queued unit of work targeting a dataset.
// The queue holds at most one job per (type, dataset key).
type Job struct {
	ID           string     `json:"job_id"`
	Type         string     `json:"job_type"`
	DatasetKey   string     `json:"dataset_key"`
	Attempts     int        `json:"attempts"` // failed runs so far
	ReleaseAfter time.Time  `json:"release_after"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	Interrupt    string     `json:"interrupt,omitempty"` // requested interrupt level name
	Created      time.Time  `json:"created"`
}
