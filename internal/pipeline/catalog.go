package pipeline

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/raphaelgruber/dataforge/internal/models"
)

// Processor is the work function of one processor type.
type Processor interface {
	Process(ctx context.Context, run *Run) Outcome
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, run *Run) Outcome

// Process calls f(ctx, run).
func (f ProcessorFunc) Process(ctx context.Context, run *Run) Outcome {
	return f(ctx, run)
}

type catalogEntry struct {
	desc models.ProcessorDescriptor
	proc Processor
}

// Catalog resolves processor types to their descriptor and work function.
// All methods are thread-safe.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]catalogEntry)}
}

// Register adds or replaces a processor type.
func (c *Catalog) Register(desc models.ProcessorDescriptor, proc Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[desc.Type] = catalogEntry{desc: desc, proc: proc}
}

// Describe replaces the descriptor of a type while keeping its work function.
// Unknown types are registered without one and are never runnable.
func (c *Catalog) Describe(desc models.ProcessorDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[desc.Type]
	e.desc = desc
	c.entries[desc.Type] = e
}

// Lookup returns the descriptor and work function of a runnable type.
func (c *Catalog) Lookup(processorType string) (models.ProcessorDescriptor, Processor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[processorType]
	if !ok || e.proc == nil {
		return models.ProcessorDescriptor{}, nil, false
	}
	return e.desc, e.proc, true
}

// Descriptor returns the descriptor of a type, runnable or not.
func (c *Catalog) Descriptor(processorType string) (models.ProcessorDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[processorType]
	return e.desc, ok
}

// IsPreset reports whether datasets of the type are presets.
func (c *Catalog) IsPreset(processorType string) bool {
	if d, ok := c.Descriptor(processorType); ok {
		return d.Preset()
	}
	return models.IsPresetType(processorType)
}

// Compatible returns the runnable processors that accept a parent of the given type,
// sorted by type.
func (c *Catalog) Compatible(parentType string) []models.ProcessorDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.ProcessorDescriptor
	for _, e := range c.entries {
		if e.proc != nil && e.desc.AcceptsType(parentType) {
			out = append(out, e.desc)
		}
	}
	slices.SortFunc(out, func(a, b models.ProcessorDescriptor) int {
		return cmp.Compare(a.Type, b.Type)
	})
	return out
}

// Types returns every runnable processor type, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for t, e := range c.entries {
		if e.proc != nil {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// MaxWorkers returns the per-type concurrency bound, or def when unset.
func (c *Catalog) MaxWorkers(processorType string, def int) int {
	if d, ok := c.Descriptor(processorType); ok && d.MaxWorkers > 0 {
		return d.MaxWorkers
	}
	return def
}
