package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
	"github.com/iota-uz/vms-importer/modules/importer/validation"
)

type ValidationSummary struct {
	RowsChecked     int
	RowsValidated   int
	RowsQuarantined int
	Violations      int
}

// ValidationService gates staged rows: LANDED rows become VALIDATED or
// QUARANTINED, and every rule failure is recorded as a violation for the
// remediation workflow.
type ValidationService struct {
	staged     staging.Repository
	violations violation.Repository
	log        *logrus.Entry
}

func NewValidationService(staged staging.Repository, violations violation.Repository, log *logrus.Entry) *ValidationService {
	return &ValidationService{staged: staged, violations: violations, log: log}
}

func (s *ValidationService) ValidateRun(ctx context.Context, entity staging.Entity, runID uuid.UUID) (ValidationSummary, error) {
	rows, err := s.staged.ListByRunAndStatus(ctx, entity, runID, staging.StatusLanded)
	if err != nil {
		return ValidationSummary{}, fmt.Errorf("list landed staging rows: %w", err)
	}

	summary := ValidationSummary{RowsChecked: len(rows)}
	var found []violation.Violation

	for _, row := range rows {
		failures := validation.Validate(entity, row.Normalized())
		for _, f := range failures {
			found = append(found, violation.New(runID, row.ID(), entity, f.RuleCode, f.Severity, f.Message, f.Details))
		}

		status := staging.StatusValidated
		if validation.HasErrors(failures) {
			status = staging.StatusQuarantined
			summary.RowsQuarantined++
		} else {
			summary.RowsValidated++
		}
		if err := s.staged.UpdateStatus(ctx, entity, row.ID(), status); err != nil {
			return summary, fmt.Errorf("update staging status: %w", err)
		}
	}

	if len(found) > 0 {
		if _, err := s.violations.CreateBatch(ctx, found); err != nil {
			return summary, fmt.Errorf("record violations: %w", err)
		}
	}
	summary.Violations = len(found)

	s.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"entity":      entity,
		"validated":   summary.RowsValidated,
		"quarantined": summary.RowsQuarantined,
		"violations":  summary.Violations,
	}).Info("staging validation finished")
	return summary, nil
}
