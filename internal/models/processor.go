package models

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// PresetPrefix marks processor types that wrap a chain of internal steps.
const PresetPrefix = "preset-"

// ProcessorOption declares one user-settable parameter of a processor.
type ProcessorOption struct {
	Type      string `yaml:"type" json:"type"`
	Default   any    `yaml:"default" json:"default"`
	Help      string `yaml:"help" json:"help"`
	Sensitive bool   `yaml:"sensitive" json:"sensitive"`
}

// StatusMessages overrides the status text written at the end of a run.
type StatusMessages struct {
	Finished string `yaml:"finished"`
	Empty    string `yaml:"empty"`
}

// ProcessorDescriptor is the static metadata of a processor type,
// resolved once when the catalog is loaded.
type ProcessorDescriptor struct {
	Type        string                     `yaml:"type"`
	Title       string                     `yaml:"title"`
	Description string                     `yaml:"description"`
	Extension   string                     `yaml:"extension"`
	Accepts     []string                   `yaml:"accepts"` // parent types; "*" for any, empty for data sources
	IsPreset    bool                       `yaml:"preset"`
	MaxWorkers  int                        `yaml:"max_workers"`
	Options     map[string]ProcessorOption `yaml:"options"`
	Steps       []Followup                 `yaml:"steps"`
	Status      *StatusMessages            `yaml:"status,omitempty"`
}

// Preset reports whether datasets of this type are presets.
func (p ProcessorDescriptor) Preset() bool {
	return p.IsPreset || IsPresetType(p.Type)
}

// AcceptsType reports whether the processor can run on a parent of the given type.
func (p ProcessorDescriptor) AcceptsType(parentType string) bool {
	for _, a := range p.Accepts {
		if a == "*" || a == parentType {
			return true
		}
	}
	return false
}

// IsPresetType reports whether a processor type name follows the preset convention.
func IsPresetType(t string) bool {
	return strings.HasPrefix(t, PresetPrefix)
}

// Followup describes a unit of work to queue once a dataset completes.
// Parameters may themselves contain a "next" list of followups.
type Followup struct {
	Type       string         `yaml:"type" json:"type" mapstructure:"type"`
	Parameters map[string]any `yaml:"parameters" json:"parameters" mapstructure:"parameters"`
}

// Next returns the followups nested in this followup's parameters.
func (f Followup) Next() []Followup {
	next, err := DecodeFollowups(f.Parameters[ParamNext])
	if err != nil {
		return nil
	}
	return next
}

// AsParam converts the followup into the loosely typed form stored in parameter maps.
func (f Followup) AsParam() map[string]any {
	return map[string]any{
		"type":       f.Type,
		"parameters": CloneParams(f.Parameters),
	}
}

// FollowupsParam converts a chain of followups into a parameter value.
func FollowupsParam(fs []Followup) []any {
	out := make([]any, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.AsParam())
	}
	return out
}

// DecodeFollowups reads a "next" parameter value. It accepts the typed form and
// the loosely typed form produced by JSON/CBOR round trips.
func DecodeFollowups(v any) ([]Followup, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []Followup:
		return vv, nil
	}

	var out []Followup
	if err := mapstructure.Decode(v, &out); err != nil {
		return nil, fmt.Errorf("decode followups: %w", err)
	}
	for i := range out {
		if out[i].Type == "" {
			return nil, fmt.Errorf("decode followups: entry %d has no type", i)
		}
		if out[i].Parameters == nil {
			out[i].Parameters = map[string]any{}
		}
	}
	return out, nil
}

// DecodeParams decodes a parameter map into a typed struct using mapstructure tags.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
