package pipeline

import (
	"path/filepath"

	"github.com/raphaelgruber/dataforge/internal/models"
)

// Layout maps datasets to their on-disk artifacts under a data root.
type Layout struct {
	Root string
}

// ResultPath is where the dataset's result artifact lives.
func (l Layout) ResultPath(d *models.Dataset) string {
	return filepath.Join(l.Root, d.ResultFile)
}

// StagingPath is the scratch directory for one run on the dataset.
func (l Layout) StagingPath(key string) string {
	return filepath.Join(l.Root, "staging", key)
}

// LogPath is the dataset's log stream.
func (l Layout) LogPath(key string) string {
	return filepath.Join(l.Root, "logs", key+".log")
}

// QueueName is the proxy queue owned by the processor running on a dataset.
func QueueName(processorType, datasetKey string) string {
	return processorType + "-" + datasetKey
}
