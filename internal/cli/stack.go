package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/dataforge/internal/config"
	"github.com/raphaelgruber/dataforge/internal/metrics"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/raphaelgruber/dataforge/internal/proxy"
	"github.com/raphaelgruber/dataforge/internal/worker"
)

// staleClaimAge is how old a claim must be before a starting worker
// considers its owner dead.
const staleClaimAge = 30 * time.Minute

// newStack wires a delegator, controller and worker manager against the
// open store. The caller must Close the returned delegator.
func newStack(workerID string, slots int) (*worker.Manager, *proxy.HTTPDelegator) {
	delegator := proxy.NewHTTPDelegator(proxy.DelegatorConfig{
		MaxWorkers: cfg.ProxyWorkers,
		Cooloff:    cfg.ProxyCooloff,
		Timeout:    cfg.ProxyTimeout,
		RetryMax:   2,
		Logger:     logger,
	})

	version, commit := config.BuildInfo()
	ctrl := pipeline.NewController(pipeline.Deps{
		Datasets:    st,
		Queue:       st,
		Annotations: st,
		Catalog:     catalog,
		Delegator:   delegator,
		Layout:      dataLayout,
		Logger:      logger,
	}, pipeline.Options{
		Version:      version,
		Commit:       commit,
		ProxyOptions: []proxy.Option{proxy.WithBatchSize(cfg.ProxyBatchSize)},
	})

	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	mgr := worker.NewManager(st, ctrl, st, worker.Config{
		WorkerID:     workerID,
		Slots:        slots,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		StaleAfter:   staleClaimAge,
		Types:        catalog.Types(),
		MaxWorkers: func(jobType string) int {
			return catalog.MaxWorkers(jobType, slots)
		},
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	})
	return mgr, delegator
}

// printStats displays the run statistics of a worker.
func printStats(s metrics.Snapshot) {
	fmt.Printf("Worker Statistics (in-memory, since start)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", s.UptimeSeconds)

	for _, p := range s.Processors {
		fmt.Printf("\n%s:\n", p.Type)
		fmt.Printf("  Runs: %d, Rows: %d, Total: %dms\n", p.Runs, p.Rows, p.TotalTimeMs)
		fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n", p.AvgTimeMs, p.MinTimeMs, p.MaxTimeMs)
		for outcome, n := range p.Outcomes {
			fmt.Printf("  %-10s %d\n", outcome+":", n)
		}
	}
}
