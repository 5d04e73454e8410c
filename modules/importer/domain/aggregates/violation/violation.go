package violation

import (
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Status string

const (
	StatusOpen  Status = "open"
	StatusFixed Status = "fixed"
)

// AuditEvent is one entry in the append-only remediation audit trail.
type AuditEvent struct {
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	UserID    int64     `json:"user_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// Violation records one rule failure on one staging row.
type Violation struct {
	id            int64
	runID         uuid.UUID
	stagingID     int64
	entity        staging.Entity
	ruleCode      string
	severity      Severity
	status        Status
	message       string
	details       map[string]any
	editedPayload map[string]any
	audit         []AuditEvent
	createdAt     time.Time
	updatedAt     time.Time
}

func New(runID uuid.UUID, stagingID int64, entity staging.Entity, ruleCode string, severity Severity, message string, details map[string]any) Violation {
	return Violation{
		runID:     runID,
		stagingID: stagingID,
		entity:    entity,
		ruleCode:  ruleCode,
		severity:  severity,
		status:    StatusOpen,
		message:   message,
		details:   details,
	}
}

func Hydrate(
	id int64,
	runID uuid.UUID,
	stagingID int64,
	entity staging.Entity,
	ruleCode string,
	severity Severity,
	status Status,
	message string,
	details, editedPayload map[string]any,
	audit []AuditEvent,
	createdAt, updatedAt time.Time,
) Violation {
	return Violation{
		id:            id,
		runID:         runID,
		stagingID:     stagingID,
		entity:        entity,
		ruleCode:      ruleCode,
		severity:      severity,
		status:        status,
		message:       message,
		details:       details,
		editedPayload: editedPayload,
		audit:         audit,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

func (v Violation) ID() int64                      { return v.id }
func (v Violation) RunID() uuid.UUID               { return v.runID }
func (v Violation) StagingID() int64               { return v.stagingID }
func (v Violation) Entity() staging.Entity         { return v.entity }
func (v Violation) RuleCode() string               { return v.ruleCode }
func (v Violation) Severity() Severity             { return v.severity }
func (v Violation) Status() Status                 { return v.status }
func (v Violation) Message() string                { return v.message }
func (v Violation) Details() map[string]any        { return v.details }
func (v Violation) EditedPayload() map[string]any  { return v.editedPayload }
func (v Violation) Audit() []AuditEvent            { return v.audit }
func (v Violation) CreatedAt() time.Time           { return v.createdAt }
func (v Violation) UpdatedAt() time.Time           { return v.updatedAt }

// WithAuditEvent appends to the audit trail; existing events are never
// rewritten.
func (v Violation) WithAuditEvent(e AuditEvent) Violation {
	audit := make([]AuditEvent, len(v.audit), len(v.audit)+1)
	copy(audit, v.audit)
	v.audit = append(audit, e)
	return v
}

func (v Violation) Fixed(editedPayload map[string]any) Violation {
	v.status = StatusFixed
	v.editedPayload = editedPayload
	return v
}
