package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnresolvableSource indicates that the upstream source of a dataset
	// cannot be determined because a parent is missing or the chain is too deep.
	ErrUnresolvableSource = errors.New("no resolvable source dataset")

	// ErrUnknownProcessor indicates a job type with no registered processor.
	ErrUnknownProcessor = errors.New("unknown processor type")

	// ErrNoDelegator is returned when a run asks for a proxy client but the
	// worker was started without a request delegator.
	ErrNoDelegator = errors.New("no request delegator configured")
)

// WorkError is returned when a processor fails unexpectedly. It carries the
// genealogy so the upstream dataset the work ran on is recoverable from logs.
type WorkError struct {
	DatasetKey    string
	ProcessorType string
	Genealogy     []string
	LogPath       string
	Err           error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("processor %s failed on dataset %s (genealogy %s): %v",
		e.ProcessorType, e.DatasetKey, strings.Join(e.Genealogy, " > "), e.Err)
}

func (e *WorkError) Unwrap() error { return e.Err }
