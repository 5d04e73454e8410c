package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and retry import runs",
	}
	cmd.AddCommand(newRunsShowCmd())
	cmd.AddCommand(newRunsStaleCmd())
	cmd.AddCommand(newRunsRetryCmd())
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one run with its counts and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.pipeline.Run(ctx, id)
			if err != nil {
				return err
			}

			fmt.Printf("run %s adapter=%s status=%s dry_run=%v\n", run.ID(), run.Adapter(), run.Status(), run.DryRun())
			if run.StartedAt() != nil {
				fmt.Printf("  started  %s\n", run.StartedAt().Format(time.RFC3339))
			}
			if run.FinishedAt() != nil {
				fmt.Printf("  finished %s\n", run.FinishedAt().Format(time.RFC3339))
			}
			if run.ErrorSummary() != "" {
				fmt.Printf("  error: %s\n", run.ErrorSummary())
			}
			counts, _ := json.MarshalIndent(run.Counts(), "  ", "  ")
			fmt.Printf("  counts: %s\n", counts)
			return nil
		},
	}
}

func newRunsStaleCmd() *cobra.Command {
	var threshold time.Duration

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List runs stuck in running state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if threshold <= 0 {
				threshold = a.conf.Importer.StaleRunThreshold
			}
			runs, err := a.pipeline.StaleRuns(ctx, threshold)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no stale runs")
				return nil
			}
			for _, run := range runs {
				fmt.Printf("%s adapter=%s updated=%s\n", run.ID(), run.Adapter(), run.UpdatedAt().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", 0, "staleness threshold (default from configuration)")
	return cmd
}

func newRunsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Re-issue a failed run as a fresh incremental run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.conf.Salesforce.Validate(); err != nil {
				return err
			}

			res, err := a.pipeline.Retry(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("retry run %s %s: received %d, staged %d\n",
				res.Run.ID(), res.Run.Status(), res.Ingest.RecordsReceived, res.Ingest.RecordsStaged)
			return nil
		},
	}
}
