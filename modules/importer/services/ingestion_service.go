package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/watermark"
	"github.com/iota-uz/vms-importer/modules/importer/infrastructure/salesforce"
	"github.com/iota-uz/vms-importer/modules/importer/mapping"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

// Extractor is the bulk-query surface the pipeline consumes.
// *salesforce.BulkClient satisfies it.
type Extractor interface {
	ExtractBatches(ctx context.Context, query string, batchSize int, fn func(salesforce.Batch) error) error
}

// errRecordLimit stops extraction early without failing the run.
var errRecordLimit = errors.New("record limit reached")

type IngestRequest struct {
	Adapter     string
	Object      string
	Entity      staging.Entity
	MappingPath string
	BatchSize   int
	RecordLimit int
	DryRun      bool

	// BuildQuery receives the watermark lower bound (nil on first run).
	BuildQuery func(modifiedSince *time.Time, limit int) string
}

type IngestSummary struct {
	RecordsReceived   int
	RecordsStaged     int
	BatchesReceived   int
	Flushes           int
	TransformErrors   []string
	UnmappedFields    map[string]int64
	FieldStats        map[string]mapping.FieldStats
	CompletenessRates map[string]float64
	MaxModstamp       *time.Time
	WatermarkAdvanced bool
}

// IngestionService lands extractor batches in staging. Run lifecycle is
// owned by the pipeline: on error the caller marks the run failed, and
// already-staged batches from earlier in the run remain; partial data is
// still useful and re-runnable via the watermark.
type IngestionService struct {
	runs       importrun.Repository
	staged     staging.Repository
	watermarks watermark.Repository
	extractor  Extractor

	log  *logrus.Entry
	inTx func(context.Context, func(context.Context) error) error
	now  func() time.Time
	m    *metrics
}

func NewIngestionService(
	runs importrun.Repository,
	staged staging.Repository,
	watermarks watermark.Repository,
	extractor Extractor,
	log *logrus.Entry,
) *IngestionService {
	return &IngestionService{
		runs:       runs,
		staged:     staged,
		watermarks: watermarks,
		extractor:  extractor,
		log:        log,
		inTx:       composables.InTx,
		now:        time.Now,
		m:          getMetrics(),
	}
}

// Ingest executes the extraction phase for an already-running import run:
// watermark lower bound, extractor batches, transform, buffered staging
// writes. A malformed record never aborts the run. On success the run's
// ingest counts and metrics are persisted and, for non-dry runs with at
// least one observed modstamp, the watermark is advanced.
func (s *IngestionService) Ingest(ctx context.Context, run importrun.Run, req IngestRequest) (IngestSummary, importrun.Run, error) {
	summary, err := s.ingest(ctx, run, req)
	if err != nil {
		s.m.batchesTotal.WithLabelValues(string(req.Entity), "failed").Inc()
		return summary, run, err
	}

	run = run.
		WithStageCounts("ingest", map[string]any{
			"records_received": summary.RecordsReceived,
			"records_staged":   summary.RecordsStaged,
			"batches_received": summary.BatchesReceived,
			"flushes":          summary.Flushes,
			"transform_errors": len(summary.TransformErrors),
		}).
		WithStageMetrics("ingest", map[string]any{
			"field_stats":        summary.FieldStats,
			"completeness_rates": summary.CompletenessRates,
			"unmapped_fields":    summary.UnmappedFields,
		})
	if summary.MaxModstamp != nil {
		run = run.WithMaxSourceUpdatedAt(*summary.MaxModstamp)
	}

	if !req.DryRun && summary.MaxModstamp != nil {
		advanced, err := s.advanceWatermark(ctx, req.Adapter, req.Object, *summary.MaxModstamp, run.ID())
		if err != nil {
			return summary, run, err
		}
		summary.WatermarkAdvanced = advanced
	}

	run, err = s.runs.Update(ctx, run)
	if err != nil {
		return summary, run, fmt.Errorf("persist ingest counts: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":           run.ID(),
		"entity":           req.Entity,
		"records_received": summary.RecordsReceived,
		"records_staged":   summary.RecordsStaged,
		"dry_run":          req.DryRun,
	}).Info("ingestion finished")
	return summary, run, nil
}

func (s *IngestionService) ingest(ctx context.Context, run importrun.Run, req IngestRequest) (IngestSummary, error) {
	spec, err := mapping.ActiveSpec(req.MappingPath)
	if err != nil {
		return IngestSummary{}, err
	}
	transformer := mapping.NewTransformer(spec)

	var lower *time.Time
	wm, err := s.watermarks.Get(ctx, req.Adapter, req.Object)
	switch {
	case err == nil:
		lower = wm.LastSuccessfulModstamp()
	case errors.Is(err, watermark.ErrNotFound):
	default:
		return IngestSummary{}, fmt.Errorf("read watermark: %w", err)
	}

	query := req.BuildQuery(lower, req.RecordLimit)
	s.log.WithFields(logrus.Fields{"run_id": run.ID(), "object": req.Object, "query": query}).Debug("extraction query built")

	summary := IngestSummary{UnmappedFields: map[string]int64{}}
	var buffer []staging.Record
	sequence := 0

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		// Dry runs persist nothing, so they report nothing staged either.
		if !req.DryRun {
			if _, err := s.staged.CreateBatch(ctx, req.Entity, buffer); err != nil {
				return fmt.Errorf("flush staging batch: %w", err)
			}
			s.m.recordsStaged.WithLabelValues(string(req.Entity)).Add(float64(len(buffer)))
			summary.RecordsStaged += len(buffer)
		}
		summary.Flushes++
		buffer = nil
		return nil
	}

	extractErr := s.extractor.ExtractBatches(ctx, query, req.BatchSize, func(batch salesforce.Batch) error {
		start := s.now()
		summary.BatchesReceived++

		for _, record := range batch.Records {
			if req.RecordLimit > 0 && summary.RecordsReceived >= req.RecordLimit {
				return errRecordLimit
			}
			summary.RecordsReceived++

			var modstampPtr *time.Time
			if ts, ok := parseModstamp(record["SystemModstamp"]); ok {
				modstampPtr = &ts
				if summary.MaxModstamp == nil || ts.After(*summary.MaxModstamp) {
					cp := ts
					summary.MaxModstamp = &cp
				}
			}

			result := transformer.Transform(record)
			summary.TransformErrors = append(summary.TransformErrors, result.Errors...)
			for _, f := range result.UnmappedFields {
				summary.UnmappedFields[f]++
				s.m.unmappedFields.WithLabelValues(string(req.Entity)).Inc()
			}

			buffer = append(buffer, staging.New(
				run.ID(),
				sequence,
				record["Id"],
				req.Adapter,
				record["Id"],
				toAnyMap(record),
				result.Canonical,
				checksum(result.Canonical),
				modstampPtr,
			))
			sequence++

			if len(buffer) >= req.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		s.m.batchesTotal.WithLabelValues(string(req.Entity), "ok").Inc()
		s.m.batchDuration.WithLabelValues(string(req.Entity)).Observe(s.now().Sub(start).Seconds())
		return nil
	})
	if extractErr != nil && !errors.Is(extractErr, errRecordLimit) {
		return summary, extractErr
	}

	if err := flush(); err != nil {
		return summary, err
	}

	summary.FieldStats = transformer.FieldStats()
	summary.CompletenessRates = transformer.CompletenessRates()
	return summary, nil
}

func (s *IngestionService) advanceWatermark(ctx context.Context, adapter, object string, candidate time.Time, runID uuid.UUID) (bool, error) {
	advanced := false
	err := s.inTx(ctx, func(txCtx context.Context) error {
		wm, err := s.watermarks.GetForUpdate(txCtx, adapter, object)
		if err != nil {
			return err
		}
		wm, moved := wm.Advance(candidate, runID)
		if !moved {
			return nil
		}
		if _, err := s.watermarks.Save(txCtx, wm); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("advance watermark %s/%s: %w", adapter, object, err)
	}
	if advanced {
		s.m.watermarkAdvanced.WithLabelValues(adapter, object).Inc()
	}
	return advanced, nil
}

// parseModstamp is best-effort: a malformed timestamp is ignored, never
// fatal.
func parseModstamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z0700",
		"2006-01-02T15:04:05Z0700",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func checksum(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// payloadHash is the loader-side change-detection hash: volatile fields are
// excluded so a bare modstamp bump does not read as a content change.
func payloadHash(payload map[string]any) string {
	filtered := make(map[string]any, len(payload))
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isVolatileField(k) {
			continue
		}
		filtered[k] = payload[k]
	}
	return checksum(filtered)
}

func isVolatileField(name string) bool {
	switch name {
	case "system_modstamp", "last_modified", "last_modified_date":
		return true
	}
	return false
}
