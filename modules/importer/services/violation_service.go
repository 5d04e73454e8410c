package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
	"github.com/iota-uz/vms-importer/modules/importer/validation"
)

const exportLimit = 10000

// ValidationError reports remediation rejected by the same rule set that
// quarantined the row in the first place.
type ValidationError struct {
	Failures []validation.Failure
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.RuleCode, f.Message))
	}
	return "remediation rejected: " + strings.Join(msgs, "; ")
}

// RemediationRequest carries the edited payload and the audit identity of
// whoever submitted the fix.
type RemediationRequest struct {
	ViolationID   int64
	EditedPayload map[string]any
	Notes         string
	UserID        int64
	IP            string
	UserAgent     string
}

type RemediationResult struct {
	Violation violation.Violation
	RunID     string
	Load      *LoadResult
}

// ViolationService is the operator surface over data-quality violations:
// listing, stats, CSV export and single-record remediation. Remediation
// goes through the same loaders as a bulk run, never a side door.
type ViolationService struct {
	violations violation.Repository
	staged     staging.Repository
	cleans     clean.Repository
	runs       importrun.Repository
	orgLoader  *OrganizationLoader
	affLoader  *AffiliationLoader

	log *logrus.Entry
	now func() time.Time
}

func NewViolationService(
	violations violation.Repository,
	staged staging.Repository,
	cleans clean.Repository,
	runs importrun.Repository,
	orgLoader *OrganizationLoader,
	affLoader *AffiliationLoader,
	log *logrus.Entry,
) *ViolationService {
	return &ViolationService{
		violations: violations,
		staged:     staged,
		cleans:     cleans,
		runs:       runs,
		orgLoader:  orgLoader,
		affLoader:  affLoader,
		log:        log,
		now:        time.Now,
	}
}

func (s *ViolationService) GetByID(ctx context.Context, id int64) (violation.Violation, error) {
	return s.violations.GetByID(ctx, id)
}

func (s *ViolationService) List(ctx context.Context, params violation.FindParams) ([]violation.Violation, int64, error) {
	return s.violations.List(ctx, params)
}

func (s *ViolationService) GetStats(ctx context.Context, params violation.FindParams) (violation.Stats, error) {
	return s.violations.GetStats(ctx, params)
}

func (s *ViolationService) GetRemediationStats(ctx context.Context, days int) (violation.RemediationStats, error) {
	if days <= 0 {
		days = 30
	}
	return s.violations.GetRemediationStats(ctx, s.now().AddDate(0, 0, -days))
}

// ExportCSV renders the filtered violation list as a spreadsheet-safe CSV
// download.
func (s *ViolationService) ExportCSV(ctx context.Context, params violation.FindParams) (string, []byte, error) {
	if params.Limit <= 0 || params.Limit > exportLimit {
		params.Limit = exportLimit
	}
	rows, _, err := s.violations.List(ctx, params)
	if err != nil {
		return "", nil, fmt.Errorf("list violations: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "run_id", "staging_id", "entity", "rule_code", "severity", "status", "message", "details", "created_at"}
	if err := w.Write(header); err != nil {
		return "", nil, err
	}
	for _, v := range rows {
		record := []string{
			fmt.Sprintf("%d", v.ID()),
			v.RunID().String(),
			fmt.Sprintf("%d", v.StagingID()),
			string(v.Entity()),
			v.RuleCode(),
			string(v.Severity()),
			string(v.Status()),
			sanitizeCell(v.Message()),
			sanitizeCell(formatDetails(v.Details())),
			v.CreatedAt().UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return "", nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", nil, err
	}

	filename := fmt.Sprintf("dq_violations_%s.csv", s.now().UTC().Format("20060102_150405"))
	return filename, buf.Bytes(), nil
}

// Remediate re-validates the edited payload with the bulk rule set and, on
// success, pushes it through the entity's loader as a one-row run. A failed
// validation leaves the violation open and writes nothing but an audit
// event.
func (s *ViolationService) Remediate(ctx context.Context, req RemediationRequest) (RemediationResult, error) {
	v, err := s.violations.GetByID(ctx, req.ViolationID)
	if err != nil {
		return RemediationResult{}, fmt.Errorf("load violation %d: %w", req.ViolationID, err)
	}
	if v.Status() != violation.StatusOpen {
		return RemediationResult{}, fmt.Errorf("violation %d is already %s", v.ID(), v.Status())
	}

	row, err := s.staged.GetByID(ctx, v.Entity(), v.StagingID())
	if err != nil {
		return RemediationResult{}, fmt.Errorf("load staging row %d: %w", v.StagingID(), err)
	}
	payload := mergePayload(row.Normalized(), req.EditedPayload)

	if failures := validation.Validate(v.Entity(), payload); validation.HasErrors(failures) {
		v = v.WithAuditEvent(s.auditEvent("validation_failed", req))
		if _, err := s.violations.Update(ctx, v); err != nil {
			return RemediationResult{}, fmt.Errorf("record failed attempt: %w", err)
		}
		return RemediationResult{Violation: v}, &ValidationError{Failures: failures}
	}

	run, err := s.runs.Create(ctx, importrun.New(row.ExternalSystem(), false, importrun.IngestParams{
		SourceSystem: row.ExternalSystem(),
		Object:       "remediation:" + string(v.Entity()),
	}))
	if err != nil {
		return RemediationResult{}, fmt.Errorf("create remediation run: %w", err)
	}
	run, err = s.runs.Update(ctx, run.Started(s.now()))
	if err != nil {
		return RemediationResult{}, fmt.Errorf("start remediation run: %w", err)
	}

	result := RemediationResult{RunID: run.ID().String()}
	load, err := s.loadRemediated(ctx, run, v, row, payload)
	if err != nil {
		v = v.WithAuditEvent(s.auditEvent("failed", req))
		if _, uerr := s.violations.Update(ctx, v); uerr != nil {
			s.log.WithError(uerr).WithField("violation_id", v.ID()).Error("could not record failed remediation")
		}
		if _, uerr := s.runs.Update(ctx, run.Failed(s.now(), err.Error())); uerr != nil {
			s.log.WithError(uerr).WithField("run_id", run.ID()).Error("could not mark remediation run failed")
		}
		result.Violation = v
		return result, fmt.Errorf("remediation load: %w", err)
	}
	result.Load = load

	if err := s.staged.UpdateStatus(ctx, v.Entity(), row.ID(), staging.StatusValidated); err != nil {
		return result, fmt.Errorf("release staging row: %w", err)
	}

	v = v.Fixed(payload).WithAuditEvent(s.auditEvent("succeeded", req))
	v, err = s.violations.Update(ctx, v)
	if err != nil {
		return result, fmt.Errorf("close violation: %w", err)
	}
	result.Violation = v

	s.log.WithFields(logrus.Fields{
		"violation_id": v.ID(),
		"run_id":       run.ID(),
		"entity":       v.Entity(),
		"user_id":      req.UserID,
	}).Info("violation remediated")
	return result, nil
}

// loadRemediated persists a one-row clean projection and runs the entity's
// loader. Entities without a loader finish at the clean table.
func (s *ViolationService) loadRemediated(
	ctx context.Context,
	run importrun.Run,
	v violation.Violation,
	row staging.Record,
	payload map[string]any,
) (*LoadResult, error) {
	candidate := clean.New(
		run.ID(),
		row.ID(),
		v.Entity(),
		row.ExternalSystem(),
		row.ExternalID(),
		payload,
		row.SourceModstamp(),
	)
	if _, err := s.cleans.Create(ctx, candidate); err != nil {
		return nil, fmt.Errorf("create clean row: %w", err)
	}

	switch v.Entity() {
	case staging.EntityOrganization:
		res, err := s.orgLoader.Execute(ctx, run.ID())
		if err != nil {
			return nil, err
		}
		return &res, nil
	case staging.EntityAffiliation:
		res, err := s.affLoader.Execute(ctx, run.ID())
		if err != nil {
			return nil, err
		}
		return &res, nil
	default:
		if _, err := s.runs.Update(ctx, run.Succeeded(s.now())); err != nil {
			return nil, fmt.Errorf("finish remediation run: %w", err)
		}
		return nil, nil
	}
}

func (s *ViolationService) auditEvent(outcome string, req RemediationRequest) violation.AuditEvent {
	return violation.AuditEvent{
		Outcome:   outcome,
		Timestamp: s.now().UTC(),
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Notes:     req.Notes,
	}
}

// mergePayload applies field edits over the original normalized payload
// without mutating either input.
func mergePayload(original, edits map[string]any) map[string]any {
	merged := make(map[string]any, len(original)+len(edits))
	for k, val := range original {
		merged[k] = val
	}
	for k, val := range edits {
		merged[k] = val
	}
	return merged
}

// sanitizeCell defuses spreadsheet formula injection: cells starting with a
// formula trigger get a leading apostrophe.
func sanitizeCell(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@':
		return "'" + v
	}
	return v
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
