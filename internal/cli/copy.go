package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	copyDeep   bool
	copyDetach bool
)

var copyCmd = &cobra.Command{
	Use:   "copy <key>",
	Short: "Duplicate a dataset under a new key",
	Long: `Copy a dataset and its result file under a new key.

A deep copy also duplicates the annotations stored on the dataset.
With --detach the copy becomes a root dataset of its own.

Examples:
  dataforge copy 3f2c...
  dataforge copy 3f2c... --deep --detach`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, err := getDataset(ctx, args[0])
		if err != nil {
			return err
		}

		cp, err := st.CopyDataset(ctx, src.Key, copyDeep)
		if err != nil {
			return fmt.Errorf("copy dataset: %w", err)
		}

		from, to := dataLayout.ResultPath(src), dataLayout.ResultPath(cp)
		if err := pipeline.CopyFile(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("copy result file: %w", err)
		}

		if copyDetach {
			if err := st.DetachFromParent(ctx, cp.Key); err != nil {
				return fmt.Errorf("detach copy: %w", err)
			}
		}

		fmt.Printf("Copied %s to %s\n", src.Key, cp.Key)
		return nil
	},
}

func init() {
	copyCmd.Flags().BoolVar(&copyDeep, "deep", false, "also copy annotations")
	copyCmd.Flags().BoolVar(&copyDetach, "detach", false, "make the copy a root dataset")
}
