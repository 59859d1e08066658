package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/spf13/cobra"
)

var (
	deleteForce bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a dataset and everything derived from it",
	Long: `Delete a dataset with its children, jobs, annotations, result files and logs.

Running work on the deleted datasets is cancelled first.
Requires confirmation unless --force is used.

Examples:
  dataforge delete 3f2c...
  dataforge delete 3f2c... --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := getDataset(ctx, args[0])
	if err != nil {
		return err
	}

	keys, err := descendants(ctx, d.Key)
	if err != nil {
		return err
	}

	if !deleteForce {
		fmt.Printf("About to delete: %s (%s)", d.Key, d.Type)
		if len(keys) > 1 {
			fmt.Printf(" and %d derived dataset(s)", len(keys)-1)
		}
		fmt.Print("\n\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	// Leaves first.
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		if _, err := st.RequestInterrupt(ctx, key, interrupt.Cancel); err != nil {
			return fmt.Errorf("cancel %s: %w", key, err)
		}
		child, err := st.GetDataset(ctx, key)
		if err != nil {
			return fmt.Errorf("get dataset: %w", err)
		}
		if err := st.DeleteDataset(ctx, key); err != nil {
			return fmt.Errorf("delete dataset %s: %w", key, err)
		}
		for _, path := range []string{dataLayout.ResultPath(child), dataLayout.LogPath(key)} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove dataset file", "path", path, "error", err)
			}
		}
	}

	fmt.Printf("Deleted: %s\n", d.Key)
	return nil
}

// descendants returns key followed by every dataset derived from it,
// parents before children.
func descendants(ctx context.Context, key string) ([]string, error) {
	out := []string{key}
	for i := 0; i < len(out); i++ {
		children, err := st.ListDatasets(ctx, out[i])
		if err != nil {
			return nil, fmt.Errorf("list children: %w", err)
		}
		for _, c := range children {
			out = append(out, c.Key)
		}
	}
	return out, nil
}
