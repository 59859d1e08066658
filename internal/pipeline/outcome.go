package pipeline

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
)

// OutcomeKind classifies how a unit of work ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the work ran to completion.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeCancelled means the work stopped at a suspension point after an interrupt request.
	OutcomeCancelled
	// OutcomeFailed means the work raised an unexpected error.
	OutcomeFailed
	// OutcomeDeferred means the job was released because its upstream is not finished yet.
	OutcomeDeferred
	// OutcomeSkipped means the job was finished without running work
	// (deleted dataset, duplicate delivery, missing parent).
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of a work function and of a controller run.
type Outcome struct {
	Kind   OutcomeKind
	Rows   int
	Level  interrupt.Level
	Err    error
	Reason string
}

// Completed reports a finished unit of work that produced rows items.
func Completed(rows int) Outcome {
	return Outcome{Kind: OutcomeCompleted, Rows: rows}
}

// Cancelled reports that work stopped because of an interrupt request.
func Cancelled(level interrupt.Level) Outcome {
	return Outcome{Kind: OutcomeCancelled, Level: level}
}

// Failed reports an unexpected error. An *interrupt.Signal is turned into
// a cancellation, so work functions can return iterator errors unchanged.
func Failed(err error) Outcome {
	var sig *interrupt.Signal
	if errors.As(err, &sig) {
		return Cancelled(sig.Level)
	}
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func deferred(reason string) Outcome {
	return Outcome{Kind: OutcomeDeferred, Reason: reason}
}

func skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}
