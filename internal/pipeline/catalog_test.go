package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/stretchr/testify/assert"
)

func noop(context.Context, *Run) Outcome { return Completed(0) }

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	c.Register(models.ProcessorDescriptor{Type: "b", Accepts: []string{"src"}, MaxWorkers: 2}, ProcessorFunc(noop))
	c.Register(models.ProcessorDescriptor{Type: "a", Accepts: []string{"*"}}, ProcessorFunc(noop))
	c.Register(models.ProcessorDescriptor{Type: "c", Accepts: []string{"other"}}, ProcessorFunc(noop))
	c.Describe(models.ProcessorDescriptor{Type: "described", Accepts: []string{"*"}})
	c.Register(models.ProcessorDescriptor{Type: "combine", IsPreset: true}, ProcessorFunc(noop))

	var types []string
	for _, d := range c.Compatible("src") {
		types = append(types, d.Type)
	}
	assert.Equal(t, []string{"a", "b"}, types)

	_, _, ok := c.Lookup("described")
	assert.False(t, ok, "described types are not runnable")
	_, ok = c.Descriptor("described")
	assert.True(t, ok)

	assert.True(t, c.IsPreset("combine"))
	assert.True(t, c.IsPreset("preset-unknown"))
	assert.False(t, c.IsPreset("a"))

	assert.Equal(t, 2, c.MaxWorkers("b", 5))
	assert.Equal(t, 5, c.MaxWorkers("a", 5))
	assert.Equal(t, []string{"a", "b", "c", "combine"}, c.Types())
}

func TestOutcomeFromSignal(t *testing.T) {
	out := Failed(&interrupt.Signal{Level: interrupt.Cancel})
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, interrupt.Cancel, out.Level)

	out = Failed(errors.New("boom"))
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "failed", out.Kind.String())
}
