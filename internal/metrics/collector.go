// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Outcome names recorded per run.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
	OutcomeSkipped   = "skipped"
)

// ProcessorMetrics holds aggregated metrics for one processor type.
type ProcessorMetrics struct {
	Runs      int64
	Rows      int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	Outcomes  map[string]int64
}

// ProcessorSnapshot provides computed stats from raw metrics.
type ProcessorSnapshot struct {
	Type        string
	Runs        int64
	Rows        int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
	Outcomes    map[string]int64
}

// Snapshot represents the worker statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Running       int
	Processors    []ProcessorSnapshot // sorted by type
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	running   int
	procs     map[string]*ProcessorMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		procs:     make(map[string]*ProcessorMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for a processor type.
// Caller must hold write lock.
func (c *Collector) getOrCreate(processorType string) *ProcessorMetrics {
	m, ok := c.procs[processorType]
	if !ok {
		m = &ProcessorMetrics{
			MinTime:  time.Duration(math.MaxInt64),
			Outcomes: make(map[string]int64),
		}
		c.procs[processorType] = m
	}
	return m
}

// RunStarted counts a run as in progress.
func (c *Collector) RunStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running++
}

// RecordRun records the end of one run of a processor.
func (c *Collector) RecordRun(processorType, outcome string, rows int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running > 0 {
		c.running--
	}
	m := c.getOrCreate(processorType)
	m.Runs++
	m.Rows += int64(rows)
	m.TotalTime += duration
	m.Outcomes[outcome]++

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// snapshotProc creates a snapshot for a processor type.
func snapshotProc(processorType string, m *ProcessorMetrics) ProcessorSnapshot {
	snap := ProcessorSnapshot{
		Type:        processorType,
		Runs:        m.Runs,
		Rows:        m.Rows,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
		Outcomes:    make(map[string]int64, len(m.Outcomes)),
	}
	if m.Runs > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Runs)
		snap.MinTimeMs = m.MinTime.Milliseconds()
	}
	for k, v := range m.Outcomes {
		snap.Outcomes[k] = v
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Running:       c.running,
		Processors:    make([]ProcessorSnapshot, 0, len(c.procs)),
	}
	types := make([]string, 0, len(c.procs))
	for t := range c.procs {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		snap.Processors = append(snap.Processors, snapshotProc(t, c.procs[t]))
	}
	return snap
}
