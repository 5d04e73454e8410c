package clean

import (
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

// LoadAction is stamped on a clean row after the loader decided what to do
// with it.
type LoadAction string

const (
	LoadActionNone             LoadAction = ""
	LoadActionInserted         LoadAction = "inserted"
	LoadActionUpdated          LoadAction = "updated"
	LoadActionUnchanged        LoadAction = "unchanged"
	LoadActionSkipped          LoadAction = "skipped"
	LoadActionSkippedDuplicate LoadAction = "skipped_duplicate"
	LoadActionDeleted          LoadAction = "deleted"
)

// Record is a load candidate: one validated staging row projected into the
// shape the two-phase loaders consume.
type Record struct {
	id             int64
	runID          uuid.UUID
	stagingID      int64
	entity         staging.Entity
	externalSystem string
	externalID     string
	payload        map[string]any
	loadAction     LoadAction
	coreID         *int64
	sourceModstamp *time.Time
	createdAt      time.Time
}

func New(
	runID uuid.UUID,
	stagingID int64,
	entity staging.Entity,
	externalSystem, externalID string,
	payload map[string]any,
	sourceModstamp *time.Time,
) Record {
	return Record{
		runID:          runID,
		stagingID:      stagingID,
		entity:         entity,
		externalSystem: externalSystem,
		externalID:     externalID,
		payload:        payload,
		sourceModstamp: sourceModstamp,
	}
}

func Hydrate(
	id int64,
	runID uuid.UUID,
	stagingID int64,
	entity staging.Entity,
	externalSystem, externalID string,
	payload map[string]any,
	loadAction LoadAction,
	coreID *int64,
	sourceModstamp *time.Time,
	createdAt time.Time,
) Record {
	return Record{
		id:             id,
		runID:          runID,
		stagingID:      stagingID,
		entity:         entity,
		externalSystem: externalSystem,
		externalID:     externalID,
		payload:        payload,
		loadAction:     loadAction,
		coreID:         coreID,
		sourceModstamp: sourceModstamp,
		createdAt:      createdAt,
	}
}

func (r Record) ID() int64                  { return r.id }
func (r Record) RunID() uuid.UUID           { return r.runID }
func (r Record) StagingID() int64           { return r.stagingID }
func (r Record) Entity() staging.Entity     { return r.entity }
func (r Record) ExternalSystem() string     { return r.externalSystem }
func (r Record) ExternalID() string         { return r.externalID }
func (r Record) Payload() map[string]any    { return r.payload }
func (r Record) LoadAction() LoadAction     { return r.loadAction }
func (r Record) CoreID() *int64             { return r.coreID }
func (r Record) SourceModstamp() *time.Time { return r.sourceModstamp }
func (r Record) CreatedAt() time.Time       { return r.createdAt }

func (r Record) WithLoadResult(action LoadAction, coreID *int64) Record {
	r.loadAction = action
	r.coreID = coreID
	return r
}
