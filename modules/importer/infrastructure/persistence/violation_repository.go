package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const violationColumns = `
	id, run_id, staging_id, entity, rule_code, severity, status, message,
	details, edited_payload, audit, created_at, updated_at`

type ViolationRepository struct{}

func NewViolationRepository() violation.Repository {
	return &ViolationRepository{}
}

func (r *ViolationRepository) CreateBatch(ctx context.Context, violations []violation.Violation) ([]violation.Violation, error) {
	if len(violations) == 0 {
		return nil, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]violation.Violation, 0, len(violations))
	for _, v := range violations {
		details, err := marshalJSON(v.Details())
		if err != nil {
			return nil, err
		}
		audit, err := marshalAudit(v.Audit())
		if err != nil {
			return nil, err
		}

		var id int64
		var createdAt, updatedAt time.Time
		if err := tx.QueryRow(ctx, `
			INSERT INTO dq_violations (
				run_id, staging_id, entity, rule_code, severity, status,
				message, details, audit
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at`,
			v.RunID(),
			v.StagingID(),
			string(v.Entity()),
			v.RuleCode(),
			string(v.Severity()),
			string(v.Status()),
			v.Message(),
			details,
			audit,
		).Scan(&id, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("insert violation: %w", err)
		}

		out = append(out, violation.Hydrate(
			id,
			v.RunID(),
			v.StagingID(),
			v.Entity(),
			v.RuleCode(),
			v.Severity(),
			v.Status(),
			v.Message(),
			v.Details(),
			v.EditedPayload(),
			v.Audit(),
			createdAt,
			updatedAt,
		))
	}
	return out, nil
}

func (r *ViolationRepository) GetByID(ctx context.Context, id int64) (violation.Violation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return violation.Violation{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+violationColumns+`
		FROM dq_violations
		WHERE id = $1`,
		id,
	)
	return scanViolation(row)
}

func (r *ViolationRepository) Update(ctx context.Context, v violation.Violation) (violation.Violation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return violation.Violation{}, err
	}

	details, err := marshalJSON(v.Details())
	if err != nil {
		return violation.Violation{}, err
	}
	edited, err := marshalJSON(v.EditedPayload())
	if err != nil {
		return violation.Violation{}, err
	}
	audit, err := marshalAudit(v.Audit())
	if err != nil {
		return violation.Violation{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE dq_violations
		SET status = $2,
			message = $3,
			details = $4,
			edited_payload = $5,
			audit = $6,
			updated_at = now()
		WHERE id = $1`,
		v.ID(),
		string(v.Status()),
		v.Message(),
		details,
		edited,
		audit,
	)
	if err != nil {
		return violation.Violation{}, fmt.Errorf("update violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return violation.Violation{}, violation.ErrNotFound
	}
	return r.GetByID(ctx, v.ID())
}

func (r *ViolationRepository) List(ctx context.Context, params violation.FindParams) ([]violation.Violation, int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}

	where, args := buildViolationFilters(params)
	query := `
		SELECT ` + violationColumns + `
		FROM dq_violations
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id DESC`

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []violation.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM dq_violations
		WHERE `+strings.Join(where, " AND "),
		args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *ViolationRepository) GetStats(ctx context.Context, params violation.FindParams) (violation.Stats, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return violation.Stats{}, err
	}

	where, args := buildViolationFilters(params)
	rows, err := tx.Query(ctx, `
		SELECT rule_code, severity, COUNT(*)
		FROM dq_violations
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY rule_code, severity`,
		args...,
	)
	if err != nil {
		return violation.Stats{}, err
	}
	defer rows.Close()

	stats := violation.Stats{
		ByRuleCode: map[string]int64{},
		BySeverity: map[string]int64{},
	}
	for rows.Next() {
		var ruleCode, severity string
		var count int64
		if err := rows.Scan(&ruleCode, &severity, &count); err != nil {
			return violation.Stats{}, err
		}
		stats.Total += count
		stats.ByRuleCode[ruleCode] += count
		stats.BySeverity[severity] += count
	}
	return stats, rows.Err()
}

// GetRemediationStats unrolls the per-violation audit trail: each audit
// event since the cutoff is one attempt.
func (r *ViolationRepository) GetRemediationStats(ctx context.Context, since time.Time) (violation.RemediationStats, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return violation.RemediationStats{}, err
	}

	rows, err := tx.Query(ctx, `
		SELECT v.rule_code, e->>'outcome', COUNT(*)
		FROM dq_violations v,
			jsonb_array_elements(v.audit) e
		WHERE (e->>'timestamp')::timestamptz >= $1
		GROUP BY v.rule_code, e->>'outcome'`,
		since,
	)
	if err != nil {
		return violation.RemediationStats{}, err
	}
	defer rows.Close()

	stats := violation.RemediationStats{ByRule: map[string]int64{}}
	for rows.Next() {
		var ruleCode, outcome string
		var count int64
		if err := rows.Scan(&ruleCode, &outcome, &count); err != nil {
			return violation.RemediationStats{}, err
		}
		stats.Attempts += count
		if outcome == "succeeded" {
			stats.Successes += count
		} else {
			stats.Failures += count
		}
		stats.ByRule[ruleCode] += count
	}
	return stats, rows.Err()
}

// marshalAudit keeps the audit column a jsonb array even when empty, so
// jsonb_array_elements never sees null.
func marshalAudit(audit []violation.AuditEvent) ([]byte, error) {
	if audit == nil {
		audit = []violation.AuditEvent{}
	}
	return json.Marshal(audit)
}

func buildViolationFilters(params violation.FindParams) ([]string, []any) {
	where := []string{"1 = 1"}
	var args []any
	argPos := 1

	if params.RunID != uuid.Nil {
		where = append(where, fmt.Sprintf("run_id = $%d", argPos))
		args = append(args, params.RunID)
		argPos++
	}
	if params.Entity != "" {
		where = append(where, fmt.Sprintf("entity = $%d", argPos))
		args = append(args, string(params.Entity))
		argPos++
	}
	if params.RuleCode != "" {
		where = append(where, fmt.Sprintf("rule_code = $%d", argPos))
		args = append(args, params.RuleCode)
		argPos++
	}
	if params.Severity != "" {
		where = append(where, fmt.Sprintf("severity = $%d", argPos))
		args = append(args, string(params.Severity))
		argPos++
	}
	if params.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(params.Status))
	}
	return where, args
}

func scanViolation(row pgx.Row) (violation.Violation, error) {
	var (
		id         int64
		runID      uuid.UUID
		stagingID  int64
		entity     string
		ruleCode   string
		severity   string
		status     string
		message    string
		detailsRaw []byte
		editedRaw  []byte
		auditRaw   []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(
		&id,
		&runID,
		&stagingID,
		&entity,
		&ruleCode,
		&severity,
		&status,
		&message,
		&detailsRaw,
		&editedRaw,
		&auditRaw,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return violation.Violation{}, violation.ErrNotFound
		}
		return violation.Violation{}, err
	}

	details, err := unmarshalMap(detailsRaw)
	if err != nil {
		return violation.Violation{}, fmt.Errorf("decode violation details: %w", err)
	}
	edited, err := unmarshalMap(editedRaw)
	if err != nil {
		return violation.Violation{}, fmt.Errorf("decode edited payload: %w", err)
	}
	var audit []violation.AuditEvent
	if len(auditRaw) > 0 {
		if err := json.Unmarshal(auditRaw, &audit); err != nil {
			return violation.Violation{}, fmt.Errorf("decode audit trail: %w", err)
		}
	}

	return violation.Hydrate(
		id,
		runID,
		stagingID,
		staging.Entity(entity),
		ruleCode,
		violation.Severity(severity),
		violation.Status(status),
		message,
		details,
		edited,
		audit,
		createdAt,
		updatedAt,
	), nil
}
