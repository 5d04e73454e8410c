package staging

import (
	"time"

	"github.com/google/uuid"
)

// Entity selects which staging table a record lands in.
type Entity string

const (
	EntityVolunteer    Entity = "volunteer"
	EntityOrganization Entity = "organization"
	EntityAffiliation  Entity = "affiliation"
)

type Status string

const (
	StatusLanded      Status = "landed"
	StatusValidated   Status = "validated"
	StatusQuarantined Status = "quarantined"
)

// Record is a landed, minimally-processed copy of one external record for
// one run. Staging rows are never deleted; they form the audit trail.
type Record struct {
	id             int64
	runID          uuid.UUID
	sequence       int
	sourceRecordID string
	externalSystem string
	externalID     string
	payload        map[string]any
	normalized     map[string]any
	checksum       string
	status         Status
	sourceModstamp *time.Time
	createdAt      time.Time
}

func New(
	runID uuid.UUID,
	sequence int,
	sourceRecordID, externalSystem, externalID string,
	payload, normalized map[string]any,
	checksum string,
	sourceModstamp *time.Time,
) Record {
	return Record{
		runID:          runID,
		sequence:       sequence,
		sourceRecordID: sourceRecordID,
		externalSystem: externalSystem,
		externalID:     externalID,
		payload:        payload,
		normalized:     normalized,
		checksum:       checksum,
		status:         StatusLanded,
		sourceModstamp: sourceModstamp,
	}
}

func Hydrate(
	id int64,
	runID uuid.UUID,
	sequence int,
	sourceRecordID, externalSystem, externalID string,
	payload, normalized map[string]any,
	checksum string,
	status Status,
	sourceModstamp *time.Time,
	createdAt time.Time,
) Record {
	return Record{
		id:             id,
		runID:          runID,
		sequence:       sequence,
		sourceRecordID: sourceRecordID,
		externalSystem: externalSystem,
		externalID:     externalID,
		payload:        payload,
		normalized:     normalized,
		checksum:       checksum,
		status:         status,
		sourceModstamp: sourceModstamp,
		createdAt:      createdAt,
	}
}

func (r Record) ID() int64                  { return r.id }
func (r Record) RunID() uuid.UUID           { return r.runID }
func (r Record) Sequence() int              { return r.sequence }
func (r Record) SourceRecordID() string     { return r.sourceRecordID }
func (r Record) ExternalSystem() string     { return r.externalSystem }
func (r Record) ExternalID() string         { return r.externalID }
func (r Record) Payload() map[string]any    { return r.payload }
func (r Record) Normalized() map[string]any { return r.normalized }
func (r Record) Checksum() string           { return r.checksum }
func (r Record) Status() Status             { return r.status }
func (r Record) SourceModstamp() *time.Time { return r.sourceModstamp }
func (r Record) CreatedAt() time.Time       { return r.createdAt }

func (r Record) WithStatus(s Status) Record {
	r.status = s
	return r
}
