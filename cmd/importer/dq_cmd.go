package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
	"github.com/iota-uz/vms-importer/modules/importer/services"
)

func newDQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dq",
		Short: "Data-quality violations: list, export, remediate",
	}
	cmd.AddCommand(newDQListCmd())
	cmd.AddCommand(newDQStatsCmd())
	cmd.AddCommand(newDQExportCmd())
	cmd.AddCommand(newDQFixCmd())
	cmd.AddCommand(newDQRemediationStatsCmd())
	return cmd
}

func dqFilterFlags(cmd *cobra.Command, params *violation.FindParams, runID *string) {
	cmd.Flags().StringVar(runID, "run", "", "filter by run id")
	cmd.Flags().StringVar((*string)(&params.Entity), "entity", "", "filter by entity (volunteer, organization, affiliation)")
	cmd.Flags().StringVar(&params.RuleCode, "rule", "", "filter by rule code")
	cmd.Flags().StringVar((*string)(&params.Severity), "severity", "", "filter by severity (error, warning)")
	cmd.Flags().StringVar((*string)(&params.Status), "status", "", "filter by status (open, fixed)")
}

func parseRunFilter(params *violation.FindParams, runID string) error {
	if runID == "" {
		return nil
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	params.RunID = id
	return nil
}

func newDQListCmd() *cobra.Command {
	var params violation.FindParams
	var runID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseRunFilter(&params, runID); err != nil {
				return err
			}
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rows, total, err := a.violations.List(ctx, params)
			if err != nil {
				return err
			}
			for _, v := range rows {
				fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n",
					v.ID(), v.Entity(), v.RuleCode(), v.Severity(), v.Status(), v.Message())
			}
			fmt.Printf("%d of %d violations\n", len(rows), total)
			return nil
		},
	}

	dqFilterFlags(cmd, &params, &runID)
	cmd.Flags().IntVar(&params.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&params.Offset, "offset", 0, "page offset")
	return cmd
}

func newDQStatsCmd() *cobra.Command {
	var params violation.FindParams
	var runID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate violation counts by rule and severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseRunFilter(&params, runID); err != nil {
				return err
			}
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.violations.GetStats(ctx, params)
			if err != nil {
				return err
			}
			fmt.Printf("total: %d\n", stats.Total)
			for code, n := range stats.ByRuleCode {
				fmt.Printf("  %s: %d\n", code, n)
			}
			for sev, n := range stats.BySeverity {
				fmt.Printf("  %s: %d\n", sev, n)
			}
			return nil
		},
	}

	dqFilterFlags(cmd, &params, &runID)
	return cmd
}

func newDQExportCmd() *cobra.Command {
	var params violation.FindParams
	var runID string
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export filtered violations as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseRunFilter(&params, runID); err != nil {
				return err
			}
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			name, data, err := a.violations.ExportCSV(ctx, params)
			if err != nil {
				return err
			}
			path := name
			if outDir != "" {
				path = outDir + string(os.PathSeparator) + name
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	dqFilterFlags(cmd, &params, &runID)
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "cap exported rows")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default current)")
	return cmd
}

func newDQFixCmd() *cobra.Command {
	var payloadJSON string
	var notes string
	var userID int64

	cmd := &cobra.Command{
		Use:   "fix <violation-id>",
		Short: "Remediate one violation with an edited payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid violation id %q", args[0])
			}
			var edits map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &edits); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}

			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.violations.Remediate(ctx, services.RemediationRequest{
				ViolationID:   id,
				EditedPayload: edits,
				Notes:         notes,
				UserID:        userID,
				UserAgent:     "importer-cli",
			})
			if err != nil {
				return err
			}
			fmt.Printf("violation %d %s (run %s)\n", res.Violation.ID(), res.Violation.Status(), res.RunID)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON object of field edits applied over the staged payload")
	cmd.Flags().StringVar(&notes, "notes", "", "audit note")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id for the audit trail")
	return cmd
}

func newDQRemediationStatsCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "remediation-stats",
		Short: "Remediation attempt outcomes over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.violations.GetRemediationStats(ctx, days)
			if err != nil {
				return err
			}
			fmt.Printf("attempts: %d, succeeded: %d, failed: %d\n", stats.Attempts, stats.Successes, stats.Failures)
			for code, n := range stats.ByRule {
				fmt.Printf("  %s: %d\n", code, n)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "trailing window in days")
	return cmd
}
