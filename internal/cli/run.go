package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runParams []string
	runNext   []string
	runSlots  int
)

var runCmd = &cobra.Command{
	Use:   "run <type>",
	Short: "Run a processor chain to completion in this process",
	Long: `Create a root dataset, run it and every followup it queues, then exit.

The run uses a private in-memory store; result files and logs are written
to the data directory as usual.

Examples:
  dataforge run fetch-urls --param 'urls=[https://example.com]' --then preset-status-report`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{memoryOnly: "true"},
	RunE:        runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "processor parameter as key=value (repeatable)")
	runCmd.Flags().StringArrayVar(&runNext, "then", nil, "followup processor type (repeatable)")
	runCmd.Flags().IntVarP(&runSlots, "slots", "s", 0, "concurrent runs (default DATAFORGE_WORKERS)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := parseParams(runParams)
	if err != nil {
		return err
	}
	if err := addFollowups(params, runNext); err != nil {
		return err
	}

	slots := runSlots
	if slots <= 0 {
		slots = cfg.Workers
	}
	mgr, delegator := newStack("run", slots)
	defer delegator.Close()

	root, err := queueDataset(ctx, args[0], "", params)
	if err != nil {
		return err
	}
	logger.Info("running dataset chain", "root", root.Key, "type", root.Type)

	if err := mgr.Drain(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Println()
	if err := printTree(ctx, root.Key, 0); err != nil {
		return err
	}
	if verbose {
		fmt.Println()
		printStats(mgr.Metrics().Snapshot())
	}
	return nil
}

// printTree prints a dataset and its descendants, one line each.
func printTree(ctx context.Context, key string, depth int) error {
	d, err := getDataset(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("%s%s [%s] %s: %s (%d rows)\n", strings.Repeat("  ", depth), d.Key, d.Type, d.State, d.StatusText, d.NumRows)
	if d.IsFinished() {
		fmt.Printf("%s  -> %s\n", strings.Repeat("  ", depth), dataLayout.ResultPath(d))
	}

	children, err := st.ListDatasets(ctx, key)
	if err != nil {
		return fmt.Errorf("list children: %w", err)
	}
	for _, c := range children {
		if err := printTree(ctx, c.Key, depth+1); err != nil {
			return err
		}
	}
	return nil
}
