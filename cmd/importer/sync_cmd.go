package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var dryRun bool
	var limit int

	cmd := &cobra.Command{
		Use:   "sync <contacts|organizations|affiliations>",
		Short: "Run the full pipeline for one source object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.conf.Salesforce.Validate(); err != nil {
				return err
			}

			req, err := buildSyncRequest(a.conf, args[0], dryRun)
			if err != nil {
				return err
			}
			if limit > 0 {
				req.Ingest.RecordLimit = limit
			}

			res, err := a.pipeline.RunSync(ctx, req)
			if err != nil {
				return fmt.Errorf("sync %s (run %s): %w", args[0], res.Run.ID(), err)
			}

			fmt.Printf("run %s %s\n", res.Run.ID(), res.Run.Status())
			fmt.Printf("  received %d, staged %d, batches %d\n",
				res.Ingest.RecordsReceived, res.Ingest.RecordsStaged, res.Ingest.BatchesReceived)
			if !dryRun {
				fmt.Printf("  validated %d, quarantined %d, violations %d\n",
					res.Validation.RowsValidated, res.Validation.RowsQuarantined, res.Validation.Violations)
				fmt.Printf("  promoted %d, skipped %d\n", res.Promotion.RowsPromoted, res.Promotion.RowsSkipped)
			}
			if res.Load != nil {
				c := res.Load.Counters
				fmt.Printf("  loaded: created %d, updated %d, unchanged %d, deleted %d, skipped %d\n",
					c.Created, c.Updated, c.Unchanged, c.Deleted, c.Skipped)
				for _, s := range res.Load.Skips {
					fmt.Printf("    skip staging=%d external_id=%s reason=%s\n", s.StagingID, s.ExternalID, s.Reason)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "extract and transform without writing staging or core data")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of records extracted")
	return cmd
}
