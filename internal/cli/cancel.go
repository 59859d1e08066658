package cli

import (
	"fmt"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/spf13/cobra"
)

var cancelRetry bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <key>",
	Short: "Stop the work running on a dataset",
	Long: `Ask the worker running a dataset to stop at its next suspension point.

A cancelled run cleans up its partial output and marks the dataset failed.
With --retry the run is stopped the same way but the job goes back into the
queue for a later attempt.

Examples:
  dataforge cancel 3f2c...
  dataforge cancel 3f2c... --retry`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		key := args[0]
		if _, err := getDataset(ctx, key); err != nil {
			return err
		}

		level := interrupt.Cancel
		if cancelRetry {
			level = interrupt.Retry
		}
		n, err := st.RequestInterrupt(ctx, key, level)
		if err != nil {
			return fmt.Errorf("request interrupt: %w", err)
		}
		if n == 0 {
			fmt.Println("No job is queued or running for this dataset.")
			return nil
		}
		fmt.Printf("Requested %s for %d job(s) of %s\n", level, n, key)
		return nil
	},
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelRetry, "retry", false, "requeue the job instead of cancelling it")
}
