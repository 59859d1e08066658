package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List queued and running jobs",
	Long: `List all jobs in the queue, oldest first.

Examples:
  dataforge jobs`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	return listJobs(cmd.Context())
}

func listJobs(ctx context.Context) error {
	jobs, err := st.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-22s %-36s %-16s %-8s %s\n", "TYPE", "DATASET", "STATUS", "ATTEMPTS", "RELEASE")
	fmt.Println("--------------------------------------------------------------------------------------------------")

	now := time.Now()
	for _, job := range jobs {
		status := "queued"
		if job.ClaimedBy != nil {
			status = "running@" + *job.ClaimedBy
		}
		if job.Interrupt != "" {
			status += " (" + job.Interrupt + ")"
		}
		release := "now"
		if job.ReleaseAfter.After(now) {
			release = "in " + job.ReleaseAfter.Sub(now).Round(time.Second).String()
		}
		fmt.Printf("%-22s %-36s %-16s %-8d %s\n", job.Type, job.DatasetKey, status, job.Attempts, release)
	}

	return nil
}
