package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

var processorsCmd = &cobra.Command{
	Use:   "processors",
	Short: "List the available processor types",
	Long: `List every runnable processor with the parent types it accepts and its options.

Extra processors and presets can be declared in a YAML file named by
DATAFORGE_PROCESSORS.

Examples:
  dataforge processors`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{memoryOnly: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, t := range catalog.Types() {
			desc, _ := catalog.Descriptor(t)
			kind := ""
			if desc.Preset() {
				kind = " (preset)"
			}
			fmt.Printf("%s%s\n", desc.Type, kind)
			if desc.Description != "" {
				fmt.Printf("  %s\n", desc.Description)
			}
			accepts := "data source"
			if len(desc.Accepts) > 0 {
				accepts = strings.Join(desc.Accepts, ", ")
			}
			fmt.Printf("  Accepts: %s\n", accepts)
			for _, step := range desc.Steps {
				fmt.Printf("  Step: %s\n", step.Type)
			}
			for _, name := range slices.Sorted(maps.Keys(desc.Options)) {
				opt := desc.Options[name]
				fmt.Printf("  --param %s=<%s>  %s\n", name, opt.Type, opt.Help)
			}
			fmt.Println()
		}
		return nil
	},
}
