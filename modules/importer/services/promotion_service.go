package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

type PromotionSummary struct {
	RowsConsidered int
	RowsPromoted   int
	RowsSkipped    int
	Candidates     []clean.Record
}

// PromotionService projects validated staging rows into the clean table.
// Quarantined rows are excluded and left for remediation.
type PromotionService struct {
	staged staging.Repository
	cleans clean.Repository
	log    *logrus.Entry
}

func NewPromotionService(staged staging.Repository, cleans clean.Repository, log *logrus.Entry) *PromotionService {
	return &PromotionService{staged: staged, cleans: cleans, log: log}
}

// PromoteClean is idempotent per run: a staging row that already has a clean
// row is skipped, so re-running promotion never double-inserts.
func (s *PromotionService) PromoteClean(ctx context.Context, entity staging.Entity, runID uuid.UUID, dryRun bool) (PromotionSummary, error) {
	rows, err := s.staged.ListByRunAndStatus(ctx, entity, runID, staging.StatusValidated)
	if err != nil {
		return PromotionSummary{}, fmt.Errorf("list validated staging rows: %w", err)
	}

	summary := PromotionSummary{RowsConsidered: len(rows)}
	for _, row := range rows {
		exists, err := s.cleans.ExistsForStaging(ctx, entity, runID, row.ID())
		if err != nil {
			return summary, fmt.Errorf("check existing clean row: %w", err)
		}
		if exists {
			summary.RowsSkipped++
			continue
		}

		candidate := clean.New(
			runID,
			row.ID(),
			entity,
			row.ExternalSystem(),
			row.ExternalID(),
			row.Normalized(),
			row.SourceModstamp(),
		)
		summary.Candidates = append(summary.Candidates, candidate)

		if dryRun {
			continue
		}
		if _, err := s.cleans.Create(ctx, candidate); err != nil {
			return summary, fmt.Errorf("create clean row: %w", err)
		}
		summary.RowsPromoted++
	}

	s.log.WithFields(logrus.Fields{
		"run_id":     runID,
		"entity":     entity,
		"considered": summary.RowsConsidered,
		"promoted":   summary.RowsPromoted,
		"skipped":    summary.RowsSkipped,
		"dry_run":    dryRun,
	}).Info("clean promotion finished")
	return summary, nil
}
