package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/credits"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.Flags().Int("batch-size", 0, "Usage logs per drain (overrides config)")
}

var jobsCmd = &cobra.Command{
	Use:       "jobs JOB",
	Short:     "Run a background job once",
	Long:      "Run one background job, or all of them in order, and print its summary as JSON.\nJobs: " + strings.Join(api.JobNames, ", ") + ", all",
	Args:      cobra.ExactArgs(1),
	ValidArgs: append(append([]string{}, api.JobNames...), "all"),
	RunE:      runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, log, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := api.NewScheduler(store, credits.SystemClock, log)
	scheduler.UsageBatchSize = cfg.Jobs.UsageBatchSize
	if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
		scheduler.UsageBatchSize = n
	}

	jobs := []string{args[0]}
	if args[0] == "all" {
		jobs = api.JobNames
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, job := range jobs {
		summary, err := scheduler.Run(ctx, job)
		if err != nil {
			return fmt.Errorf("job %s: %w", job, err)
		}
		if err := enc.Encode(api.JobResponse{Job: job, Summary: summary}); err != nil {
			return err
		}
	}
	return nil
}
