package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	workerID    string
	workerSlots int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued jobs until interrupted",
	Long: `Start a worker that claims queued jobs and runs them.

On SIGINT or SIGTERM every running job is asked to stop at its next
suspension point and is put back in the queue for a later attempt.

Examples:
  dataforge worker
  dataforge worker --slots 8 --id worker-a`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id recorded on claimed jobs (default host-pid)")
	workerCmd.Flags().IntVarP(&workerSlots, "slots", "s", 0, "concurrent runs (default DATAFORGE_WORKERS)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	slots := workerSlots
	if slots <= 0 {
		slots = cfg.Workers
	}

	mgr, delegator := newStack(workerID, slots)
	defer delegator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker", "store", cfg.Store, "data_dir", cfg.DataDir, "processors", len(catalog.Types()))
	err := mgr.Run(ctx)
	if verbose {
		printStats(mgr.Metrics().Snapshot())
	}
	return err
}
