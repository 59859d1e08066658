// Package interrupt carries cooperative cancellation requests to the
// suspension points of a running unit of work.
package interrupt

import (
	"fmt"
	"sync/atomic"
)

// Level is the severity of an interrupt request.
type Level int32

const (
	// None means no interrupt was requested.
	None Level = iota
	// Retry stops the current run; the job is released and re-attempted later.
	Retry
	// Cancel stops the current run for good; the job is finished without further attempts.
	Cancel
)

// String returns the level name as stored in the job queue.
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Retry:
		return "retry"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// ParseLevel converts a stored level name back into a Level.
// Unknown names map to None.
func ParseLevel(s string) Level {
	switch s {
	case "retry":
		return Retry
	case "cancel":
		return Cancel
	default:
		return None
	}
}

// Flag is the shared interrupt state for one unit of work.
// A request can only escalate: Cancel wins over Retry.
// All methods are safe for concurrent use; the zero value is ready.
type Flag struct {
	level atomic.Int32
}

// Request raises the flag to at least l.
func (f *Flag) Request(l Level) {
	for {
		cur := f.level.Load()
		if int32(l) <= cur {
			return
		}
		if f.level.CompareAndSwap(cur, int32(l)) {
			return
		}
	}
}

// Level returns the currently requested level. A nil flag is never raised.
func (f *Flag) Level() Level {
	if f == nil {
		return None
	}
	return Level(f.level.Load())
}

// Requested reports whether any interrupt has been requested.
func (f *Flag) Requested() bool {
	return f.Level() != None
}

// Check returns a *Signal if an interrupt has been requested, nil otherwise.
// Suspension points call it and hand the result back to their caller.
func (f *Flag) Check() error {
	if l := f.Level(); l != None {
		return &Signal{Level: l}
	}
	return nil
}

// Signal is returned through error slots of iterators and helpers when they
// stop because an interrupt was requested.
type Signal struct {
	Level Level
}

func (s *Signal) Error() string {
	return "interrupted: " + s.Level.String()
}
