package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

// LoaderCounters is the per-run load outcome block persisted on the import
// run.
type LoaderCounters struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
}

func (c LoaderCounters) asMap() map[string]any {
	return map[string]any{
		"created":   c.Created,
		"updated":   c.Updated,
		"unchanged": c.Unchanged,
		"deleted":   c.Deleted,
		"skipped":   c.Skipped,
	}
}

// SkipRecord explains one row the loader declined to load. Skips are
// reported, never fatal.
type SkipRecord struct {
	StagingID  int64          `json:"staging_id"`
	ExternalID string         `json:"external_id"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
}

type LoadResult struct {
	Counters LoaderCounters
	Skips    []SkipRecord
}

func (r *LoadResult) count(action clean.LoadAction) {
	switch action {
	case clean.LoadActionInserted:
		r.Counters.Created++
	case clean.LoadActionUpdated:
		r.Counters.Updated++
	case clean.LoadActionUnchanged:
		r.Counters.Unchanged++
	case clean.LoadActionDeleted:
		r.Counters.Deleted++
	case clean.LoadActionSkipped, clean.LoadActionSkippedDuplicate:
		r.Counters.Skipped++
	}
}

// skipDetails records why a row was skipped; the caller's action count
// covers the counter.
func (r *LoadResult) skipDetails(row clean.Record, extID, reason string) {
	r.Skips = append(r.Skips, SkipRecord{
		StagingID:  row.StagingID(),
		ExternalID: extID,
		Reason:     reason,
	})
}

// loadCandidates prefers promoted clean rows and falls back to validated
// staging rows for pipelines that skipped promotion. Fallback rows carry no
// clean-row id, so load results are not written back for them.
func loadCandidates(
	ctx context.Context,
	cleans clean.Repository,
	staged staging.Repository,
	entity staging.Entity,
	runID uuid.UUID,
) ([]clean.Record, error) {
	rows, err := cleans.ListByRun(ctx, entity, runID)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}

	stagedRows, err := staged.ListByRunAndStatus(ctx, entity, runID, staging.StatusValidated)
	if err != nil {
		return nil, err
	}
	out := make([]clean.Record, 0, len(stagedRows))
	for _, sr := range stagedRows {
		out = append(out, clean.New(
			runID,
			sr.ID(),
			entity,
			sr.ExternalSystem(),
			sr.ExternalID(),
			sr.Normalized(),
			sr.SourceModstamp(),
		))
	}
	return out, nil
}

// loaderMetadata builds the change-detection metadata stored on an external
// reference after a load decision.
func loaderMetadata(payload map[string]any, runID uuid.UUID, modstamp *time.Time) externalref.Metadata {
	meta := externalref.Metadata{
		PayloadHash:    payloadHash(payload),
		LastPayload:    payload,
		LastSeenRunID:  runID,
		SourceModstamp: modstamp,
	}
	if t, ok := parseModstamp(stringField(payload, "last_modified")); ok {
		meta.LastModified = &t
	}
	return meta
}

// stringField reads a dot-path string out of a canonical payload.
func stringField(payload map[string]any, path string) string {
	var node any = payload
	for _, p := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = m[p]
	}
	if s, ok := node.(string); ok {
		return s
	}
	return ""
}

// boolField tolerates both resolved booleans and raw string payloads.
func boolField(payload map[string]any, key string) bool {
	switch v := payload[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "1":
			return true
		}
	}
	return false
}

func dateField(payload map[string]any, key string) *time.Time {
	v := strings.TrimSpace(stringField(payload, key))
	if v == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil
	}
	return &t
}
