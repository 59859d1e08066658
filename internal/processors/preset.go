package processors

import (
	"context"
	"errors"
	"maps"

	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
)

var errNoSteps = errors.New("preset declares no steps")

// reservedParams are handled by the pipeline and never forwarded to steps.
var reservedParams = []string{models.ParamNext, models.ParamAttachTo, models.ParamCopyTo}

// runPreset queues the first of the preset's steps as its child. The steps
// are nested so each queues the next, and the last hands its result back to
// the preset dataset.
func runPreset(ctx context.Context, run *pipeline.Run) pipeline.Outcome {
	chain, err := PresetChain(run.Descriptor.Steps, run.Dataset.Key, run.Dataset.Parameters)
	if err != nil {
		return pipeline.Failed(err)
	}
	child, err := run.QueueFollowup(ctx, chain)
	if err != nil {
		return pipeline.Failed(err)
	}
	run.Logger.Info("queued first preset step", "type", chain.Type, "child", child.Key)
	return pipeline.Completed(0)
}

// PresetChain nests steps into a single followup. The deepest step carries
// attach_to presetKey. Preset parameters that the first step does not set
// itself are passed down to it.
func PresetChain(steps []models.Followup, presetKey string, presetParams map[string]any) (models.Followup, error) {
	if len(steps) == 0 {
		return models.Followup{}, errNoSteps
	}

	var chain models.Followup
	for i := len(steps) - 1; i >= 0; i-- {
		step := models.Followup{Type: steps[i].Type, Parameters: models.CloneParams(steps[i].Parameters)}
		if step.Parameters == nil {
			step.Parameters = map[string]any{}
		}
		if i == len(steps)-1 {
			step.Parameters[models.ParamAttachTo] = presetKey
		} else {
			step.Parameters[models.ParamNext] = models.FollowupsParam([]models.Followup{chain})
		}
		chain = step
	}

	inherited := models.CloneParams(presetParams)
	for _, name := range reservedParams {
		delete(inherited, name)
	}
	maps.DeleteFunc(inherited, func(k string, _ any) bool {
		_, set := chain.Parameters[k]
		return set
	})
	maps.Copy(chain.Parameters, inherited)
	return chain, nil
}
