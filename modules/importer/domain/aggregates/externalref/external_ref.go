package externalref

import (
	"time"

	"github.com/google/uuid"
)

// EntityType discriminates which core table the reference points into.
type EntityType string

const (
	EntityTypeVolunteer    EntityType = "salesforce_volunteer"
	EntityTypeOrganization EntityType = "salesforce_organization"
	EntityTypeAffiliation  EntityType = "salesforce_affiliation"
)

const UpstreamDeletedReason = "upstream_deleted"

// Deactivation is the tagged lifecycle payload: a ref is either active
// (deactivation == nil) or deactivated with a timestamp and reason. The two
// fields can never disagree.
type Deactivation struct {
	At     time.Time
	Reason string
}

// Metadata carries change-detection state alongside the reference.
type Metadata struct {
	PayloadHash    string         `json:"payload_hash,omitempty"`
	LastPayload    map[string]any `json:"last_payload,omitempty"`
	LastSeenRunID  uuid.UUID      `json:"last_seen_run_id,omitempty"`
	SourceModstamp *time.Time     `json:"source_modstamp,omitempty"`
	LastModified   *time.Time     `json:"last_modified,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Ref is the durable cross-reference between one external system's record
// and one core-table row. Unique on (external system, external id, entity
// type); soft-deleted rather than removed when the upstream record
// disappears.
type Ref struct {
	id             int64
	entityType     EntityType
	entityID       int64
	externalSystem string
	externalID     string
	deactivation   *Deactivation
	metadata       Metadata
	createdAt      time.Time
	updatedAt      time.Time
}

func New(entityType EntityType, entityID int64, externalSystem, externalID string, metadata Metadata) Ref {
	return Ref{
		entityType:     entityType,
		entityID:       entityID,
		externalSystem: externalSystem,
		externalID:     externalID,
		metadata:       metadata,
	}
}

func Hydrate(
	id int64,
	entityType EntityType,
	entityID int64,
	externalSystem, externalID string,
	deactivation *Deactivation,
	metadata Metadata,
	createdAt, updatedAt time.Time,
) Ref {
	return Ref{
		id:             id,
		entityType:     entityType,
		entityID:       entityID,
		externalSystem: externalSystem,
		externalID:     externalID,
		deactivation:   deactivation,
		metadata:       metadata,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
	}
}

func (r Ref) ID() int64                    { return r.id }
func (r Ref) EntityType() EntityType       { return r.entityType }
func (r Ref) EntityID() int64              { return r.entityID }
func (r Ref) ExternalSystem() string       { return r.externalSystem }
func (r Ref) ExternalID() string           { return r.externalID }
func (r Ref) Deactivation() *Deactivation  { return r.deactivation }
func (r Ref) Metadata() Metadata           { return r.metadata }
func (r Ref) CreatedAt() time.Time         { return r.createdAt }
func (r Ref) UpdatedAt() time.Time         { return r.updatedAt }
func (r Ref) IsActive() bool               { return r.deactivation == nil }

// MarkSeen reactivates the ref and stamps the run that last observed the
// upstream record.
func (r Ref) MarkSeen(runID uuid.UUID) Ref {
	r.deactivation = nil
	r.metadata.LastSeenRunID = runID
	return r
}

// SoftDelete deactivates without removing the row, preserving history.
func (r Ref) SoftDelete(at time.Time, reason string) Ref {
	r.deactivation = &Deactivation{At: at, Reason: reason}
	return r
}

func (r Ref) WithMetadata(m Metadata) Ref {
	r.metadata = m
	return r
}
