// Package cli provides the command-line interface for dataforge.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/dataforge/internal/config"
	"github.com/raphaelgruber/dataforge/internal/db"
	"github.com/raphaelgruber/dataforge/internal/interrupt"
	"github.com/raphaelgruber/dataforge/internal/memstore"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/raphaelgruber/dataforge/internal/processors"
	"github.com/raphaelgruber/dataforge/internal/worker"
	"github.com/spf13/cobra"
)

// store is everything the commands need from a persistence backend.
// Both the SurrealDB client and the in-memory store satisfy it.
type store interface {
	pipeline.DatasetStore
	pipeline.AnnotationStore
	worker.Claimer
	ListDatasets(ctx context.Context, parentKey string) ([]*models.Dataset, error)
	DeleteDataset(ctx context.Context, key string) error
	CopyDataset(ctx context.Context, key string, deep bool) (*models.Dataset, error)
	DetachFromParent(ctx context.Context, key string) error
	RequestInterrupt(ctx context.Context, datasetKey string, level interrupt.Level) (int, error)
	ListJobs(ctx context.Context) ([]*models.Job, error)
	GetAnnotations(ctx context.Context, datasetKey string) ([]models.Annotation, error)
}

// memoryOnly marks commands that always run against a fresh in-memory store.
const memoryOnly = "memory-only"

var (
	// Global flags
	verbose   bool
	storeFlag string

	// Global config, logger, store and processor catalog
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	st         store
	dbClient   *db.Client
	catalog    *pipeline.Catalog
	dataLayout pipeline.Layout
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dataforge",
	Short: "Dataset processing pipeline",
	Long: `Dataforge runs chains of processors over datasets.

Every processor run reads the result of its parent dataset and writes a new
dataset. Finished datasets queue their followup processors, presets expand
into a chain of steps, and annotations written by any step land on the root
dataset.`,
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if storeFlag != "" {
			cfg.Store = storeFlag
		}
		if _, ok := cmd.Annotations[memoryOnly]; ok {
			cfg.Store = config.StoreMemory
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		extra, err := config.LoadCatalog(cfg.ProcessorsFile)
		if err != nil {
			return err
		}
		catalog = processors.BuiltinCatalog(extra)
		dataLayout = pipeline.Layout{Root: cfg.DataDir}

		return openStore(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// openStore connects the configured persistence backend.
func openStore(ctx context.Context) error {
	switch cfg.Store {
	case config.StoreMemory:
		st = memstore.New()
		return nil
	case config.StoreSurreal:
	default:
		return fmt.Errorf("unknown store %q (want %q or %q)", cfg.Store, config.StoreSurreal, config.StoreMemory)
	}

	dbCfg := db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}

	var err error
	dbClient, err = db.NewClient(ctx, dbCfg, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := dbClient.InitSchema(ctx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	st = dbClient
	return nil
}

func versionString() string {
	version, commit := config.BuildInfo()
	if commit == "" {
		return version
	}
	return version + " (" + commit + ")"
}

// getDataset loads a dataset, turning a missing key into a readable error.
func getDataset(ctx context.Context, key string) (*models.Dataset, error) {
	d, err := st.GetDataset(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("dataset not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return d, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", `persistence backend: "surreal" or "memory" (default from DATAFORGE_STORE)`)

	// Add subcommands
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(datasetsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(annotationsCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(processorsCmd)
}
