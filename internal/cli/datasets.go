package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/spf13/cobra"
)

var datasetsParent string

var datasetsCmd = &cobra.Command{
	Use:   "datasets [key]",
	Short: "List datasets or inspect one",
	Long: `List all datasets, or show the details of one dataset including its
parameters, annotation fields and children.

Examples:
  dataforge datasets
  dataforge datasets --parent 3f2c...
  dataforge datasets 3f2c...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDatasets,
}

func init() {
	datasetsCmd.Flags().StringVarP(&datasetsParent, "parent", "p", "", "only list children of this dataset")
}

func runDatasets(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 1 {
		return showDataset(ctx, args[0])
	}
	return listDatasets(ctx)
}

func listDatasets(ctx context.Context) error {
	datasets, err := st.ListDatasets(ctx, datasetsParent)
	if err != nil {
		return fmt.Errorf("list datasets: %w", err)
	}

	if len(datasets) == 0 {
		fmt.Println("No datasets found.")
		return nil
	}

	fmt.Printf("%-36s %-22s %-10s %6s %s\n", "KEY", "TYPE", "STATE", "ROWS", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------")
	for _, d := range datasets {
		fmt.Printf("%-36s %-22s %-10s %6d %s\n", d.Key, d.Type, d.State, d.NumRows, d.Created.Format("2006-01-02 15:04"))
		if verbose && d.HasParent() {
			fmt.Printf("  parent: %s\n", d.Parent())
		}
	}
	return nil
}

func showDataset(ctx context.Context, key string) error {
	d, err := getDataset(ctx, key)
	if err != nil {
		return err
	}

	fmt.Printf("Dataset: %s\n", d.Key)
	fmt.Printf("  Type: %s\n", d.Type)
	if d.HasParent() {
		fmt.Printf("  Parent: %s\n", d.Parent())
	}
	fmt.Printf("  State: %s\n", d.State)
	fmt.Printf("  Status: %s\n", d.StatusText)
	fmt.Printf("  Progress: %.0f%%\n", d.Progress*100)
	fmt.Printf("  Rows: %d\n", d.NumRows)
	fmt.Printf("  Result: %s\n", dataLayout.ResultPath(d))
	fmt.Printf("  Log: %s\n", dataLayout.LogPath(d.Key))
	fmt.Printf("  Created: %s\n", d.Created.Format(time.RFC3339))
	if d.SoftwareVersion != "" {
		fmt.Printf("  Version: %s %s\n", d.SoftwareVersion, d.SoftwareCommit)
	}

	if len(d.Parameters) > 0 {
		fmt.Println("\nParameters:")
		for _, name := range slices.Sorted(maps.Keys(d.Parameters)) {
			fmt.Printf("  %s: %v\n", name, d.Parameters[name])
		}
	}

	if len(d.AnnotationFields) > 0 {
		fmt.Println("\nAnnotation fields:")
		for _, f := range d.AnnotationFields {
			fmt.Printf("  %s [%s] from %s\n", f.Label, f.Type, f.FromDataset)
		}
	}

	children, err := st.ListDatasets(ctx, d.Key)
	if err != nil {
		return fmt.Errorf("list children: %w", err)
	}
	if len(children) > 0 {
		fmt.Printf("\nChildren (%d):\n", len(children))
		for _, c := range children {
			fmt.Printf("  - %s [%s] %s\n", c.Key, c.Type, c.State)
		}
	}

	if compatible := catalog.Compatible(d.Type); len(compatible) > 0 && d.State != models.StateError {
		fmt.Println("\nAvailable processors:")
		for _, p := range compatible {
			fmt.Printf("  %-24s %s\n", p.Type, p.Title)
		}
	}
	return nil
}
