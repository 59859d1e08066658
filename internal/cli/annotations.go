package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var annotationsCmd = &cobra.Command{
	Use:   "annotations <key>",
	Short: "List the annotations stored on a dataset",
	Long: `List the annotations stored on a dataset, grouped by item.

Annotations written by processors deeper in the chain are stored on the
root dataset, so this is usually run against a root key.

Examples:
  dataforge annotations 3f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if _, err := getDataset(ctx, args[0]); err != nil {
			return err
		}

		anns, err := st.GetAnnotations(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get annotations: %w", err)
		}
		if len(anns) == 0 {
			fmt.Println("No annotations found.")
			return nil
		}

		fmt.Printf("Annotations (%d):\n\n", len(anns))
		fmt.Printf("%-20s %-16s %-20s %s\n", "ITEM", "LABEL", "VALUE", "AUTHOR")
		for _, a := range anns {
			fmt.Printf("%-20s %-16s %-20s %s\n", a.ItemID, a.Label, a.Value, a.Author)
			if verbose {
				fmt.Printf("  from %s at %s\n", a.FromDataset, a.Timestamp.Format("2006-01-02 15:04:05"))
			}
		}
		return nil
	},
}
