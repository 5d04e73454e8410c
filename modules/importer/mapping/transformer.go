package mapping

import (
	"fmt"
	"sort"
	"strings"
)

// FieldStats accumulates per-source-field counters across every record a
// Transformer has seen.
type FieldStats struct {
	RecordsWithValue       int64 `json:"records_with_value"`
	RecordsMapped          int64 `json:"records_mapped"`
	RecordsTransformed     int64 `json:"records_transformed"`
	RecordsFailedTransform int64 `json:"records_failed_transform"`
	RecordsUsedDefault     int64 `json:"records_used_default"`
	TotalRecordsProcessed  int64 `json:"total_records_processed"`
}

func (s FieldStats) PopulationRate() float64 {
	if s.TotalRecordsProcessed == 0 {
		return 0
	}
	return float64(s.RecordsWithValue) / float64(s.TotalRecordsProcessed)
}

// Result is the outcome of transforming one raw record.
type Result struct {
	Canonical      map[string]any
	UnmappedFields []string
	Errors         []string
}

type Transformer struct {
	spec *Spec

	fieldStats   map[string]*FieldStats
	targetCounts map[string]int64
	totalRecords int64
}

func NewTransformer(spec *Spec) *Transformer {
	return &Transformer{
		spec:         spec,
		fieldStats:   map[string]*FieldStats{},
		targetCounts: map[string]int64{},
	}
}

// Transform applies the mapping spec to one raw source record. A failed
// field never aborts the record: errors accumulate and the remaining fields
// still resolve, keeping partially-bad records reviewable downstream.
func (t *Transformer) Transform(raw map[string]string) Result {
	t.totalRecords++

	canonical := map[string]any{}
	var errs []string

	consumed := make(map[string]struct{}, len(t.spec.Fields))

	for _, f := range t.spec.Fields {
		stats := t.statsFor(f)
		stats.TotalRecordsProcessed++

		var value any
		var original string
		if f.Source != "" {
			original = raw[f.Source]
			consumed[f.Source] = struct{}{}
			if strings.TrimSpace(original) != "" {
				stats.RecordsWithValue++
			}
			value = original
		}

		if isEmpty(value) && f.Default != nil {
			value = f.Default
			stats.RecordsUsedDefault++
		}

		if f.Required && isEmpty(value) {
			errs = append(errs, fmt.Sprintf("required field %s is missing", f.Target))
			continue
		}

		if f.Transform != "" && !isEmpty(value) {
			if s, ok := value.(string); ok {
				value = t.applyTransform(f, s, stats, &errs)
			}
		}

		value = normalizeBoolean(f, value)

		// Resolved booleans always pass: false is never "empty".
		if isEmpty(value) {
			continue
		}

		writePath(canonical, f.Target, value)
		stats.RecordsMapped++
		t.targetCounts[f.Target]++
	}

	return Result{
		Canonical:      canonical,
		UnmappedFields: unmapped(raw, consumed),
		Errors:         errs,
	}
}

func (t *Transformer) applyTransform(f Field, original string, stats *FieldStats, errs *[]string) any {
	fn, ok := ResolveTransform(f.Transform)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("unknown transform %q for field %s", f.Transform, f.Target))
		stats.RecordsFailedTransform++
		return strings.TrimSpace(original)
	}

	out, err := fn(original)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("transform %s failed for field %s: %v", f.Transform, f.Target, err))
		stats.RecordsFailedTransform++
		return strings.TrimSpace(original)
	}
	if out == nil {
		// The transform could not classify a non-empty value; keep the
		// stripped original for manual review instead of dropping it.
		if strings.TrimSpace(original) != "" {
			return strings.TrimSpace(original)
		}
		return nil
	}
	stats.RecordsTransformed++
	return out
}

// FieldStats returns the accumulated per-source-field statistics, keyed by
// source field name (or target for source-less defaulted fields).
func (t *Transformer) FieldStats() map[string]FieldStats {
	out := make(map[string]FieldStats, len(t.fieldStats))
	for k, v := range t.fieldStats {
		out[k] = *v
	}
	return out
}

// CompletenessRates reports, per canonical target, the share of records that
// ended up populating it.
func (t *Transformer) CompletenessRates() map[string]float64 {
	out := make(map[string]float64, len(t.targetCounts))
	for target, n := range t.targetCounts {
		if t.totalRecords > 0 {
			out[target] = float64(n) / float64(t.totalRecords)
		}
	}
	return out
}

func (t *Transformer) TotalRecords() int64 { return t.totalRecords }

func (t *Transformer) statsFor(f Field) *FieldStats {
	key := f.Source
	if key == "" {
		key = f.Target
	}
	s, ok := t.fieldStats[key]
	if !ok {
		s = &FieldStats{}
		t.fieldStats[key] = s
	}
	return s
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// normalizeBoolean coerces common truthy/falsy string forms when the field
// is boolean-typed, detected by a boolean default or an in-flight boolean
// value. A boolean default survives even a nil source: false is a
// legitimate resolved value, distinct from absent.
func normalizeBoolean(f Field, value any) any {
	_, defaultIsBool := f.Default.(bool)
	if _, valueIsBool := value.(bool); valueIsBool || !defaultIsBool {
		return value
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return true
	case "false", "f", "no", "n", "0":
		return false
	case "":
		return f.Default
	}
	return value
}

// writePath writes value at a dot-path into the canonical record, creating
// intermediate containers as needed.
func writePath(canonical map[string]any, target string, value any) {
	parts := strings.Split(target, ".")
	node := canonical
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// unmapped is every raw key not consumed by any mapping field whose value is
// non-empty.
func unmapped(raw map[string]string, consumed map[string]struct{}) []string {
	var out []string
	for k, v := range raw {
		if _, ok := consumed[k]; ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
