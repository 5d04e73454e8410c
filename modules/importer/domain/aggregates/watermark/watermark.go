package watermark

import (
	"time"

	"github.com/google/uuid"
)

// Watermark tracks the highest source-system modification timestamp durably
// processed for one (adapter, object) pair. It is the lower bound for the
// next incremental extraction.
type Watermark struct {
	adapter   string
	object    string
	modstamp  *time.Time
	lastRunID uuid.UUID
	metadata  map[string]any
	updatedAt time.Time
}

func New(adapter, object string) Watermark {
	return Watermark{adapter: adapter, object: object, metadata: map[string]any{}}
}

func Hydrate(adapter, object string, modstamp *time.Time, lastRunID uuid.UUID, metadata map[string]any, updatedAt time.Time) Watermark {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Watermark{
		adapter:   adapter,
		object:    object,
		modstamp:  modstamp,
		lastRunID: lastRunID,
		metadata:  metadata,
		updatedAt: updatedAt,
	}
}

func (w Watermark) Adapter() string          { return w.adapter }
func (w Watermark) Object() string           { return w.object }
func (w Watermark) LastRunID() uuid.UUID     { return w.lastRunID }
func (w Watermark) Metadata() map[string]any { return w.metadata }
func (w Watermark) UpdatedAt() time.Time     { return w.updatedAt }

// LastSuccessfulModstamp is nil before the first successful run.
func (w Watermark) LastSuccessfulModstamp() *time.Time { return w.modstamp }

// Advance moves the watermark forward and records the run that advanced it.
// A candidate at or before the current value is ignored, which keeps the
// watermark monotonically non-decreasing even if two loaders race.
func (w Watermark) Advance(candidate time.Time, runID uuid.UUID) (Watermark, bool) {
	if w.modstamp != nil && !candidate.After(*w.modstamp) {
		return w, false
	}
	c := candidate
	w.modstamp = &c
	w.lastRunID = runID
	return w, true
}
