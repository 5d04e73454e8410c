package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/organization"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/watermark"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

// OrganizationLoader reconciles promoted organization rows into the core
// organizations table. The whole run loads in one transaction: either every
// decision lands or none does, and a re-run starts from the same state.
type OrganizationLoader struct {
	runs       importrun.Repository
	staged     staging.Repository
	cleans     clean.Repository
	refs       externalref.Repository
	orgs       organization.Repository
	watermarks watermark.Repository

	adapter string
	object  string

	log  *logrus.Entry
	inTx func(context.Context, func(context.Context) error) error
	now  func() time.Time
	m    *metrics
}

func NewOrganizationLoader(
	runs importrun.Repository,
	staged staging.Repository,
	cleans clean.Repository,
	refs externalref.Repository,
	orgs organization.Repository,
	watermarks watermark.Repository,
	log *logrus.Entry,
) *OrganizationLoader {
	return &OrganizationLoader{
		runs:       runs,
		staged:     staged,
		cleans:     cleans,
		refs:       refs,
		orgs:       orgs,
		watermarks: watermarks,
		adapter:    "salesforce",
		object:     "Account",
		log:        log,
		inTx:       composables.InTx,
		now:        time.Now,
		m:          getMetrics(),
	}
}

func (l *OrganizationLoader) Execute(ctx context.Context, runID uuid.UUID) (LoadResult, error) {
	var res LoadResult
	err := l.inTx(ctx, func(txCtx context.Context) error {
		rows, err := loadCandidates(txCtx, l.cleans, l.staged, staging.EntityOrganization, runID)
		if err != nil {
			return fmt.Errorf("list load candidates: %w", err)
		}

		for _, row := range rows {
			action, coreID, err := l.loadOne(txCtx, runID, row, &res)
			if err != nil {
				return err
			}
			res.count(action)
			l.m.loaderActions.WithLabelValues(string(staging.EntityOrganization), string(action)).Inc()
			if row.ID() != 0 {
				if err := l.cleans.SetLoadResult(txCtx, staging.EntityOrganization, row.ID(), action, coreID); err != nil {
					return fmt.Errorf("record load result: %w", err)
				}
			}
		}

		if err := l.advanceWatermark(txCtx, runID); err != nil {
			return err
		}
		return l.finishRun(txCtx, runID, res.Counters)
	})
	if err != nil {
		return res, err
	}

	l.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"created":   res.Counters.Created,
		"updated":   res.Counters.Updated,
		"unchanged": res.Counters.Unchanged,
		"deleted":   res.Counters.Deleted,
		"skipped":   res.Counters.Skipped,
	}).Info("organization load finished")
	return res, nil
}

func (l *OrganizationLoader) loadOne(ctx context.Context, runID uuid.UUID, row clean.Record, res *LoadResult) (clean.LoadAction, *int64, error) {
	payload := row.Payload()
	extID := strings.TrimSpace(row.ExternalID())
	if extID == "" {
		extID = strings.TrimSpace(stringField(payload, "external_id"))
	}
	if extID == "" {
		res.Skips = append(res.Skips, SkipRecord{StagingID: row.StagingID(), Reason: "missing_external_id"})
		return clean.LoadActionSkipped, nil, nil
	}

	if boolField(payload, "is_deleted") {
		return l.softDelete(ctx, row, extID, res)
	}

	ref, err := l.refs.GetForUpdate(ctx, row.ExternalSystem(), externalref.EntityTypeOrganization, extID)
	switch {
	case err == nil:
		return l.reconcile(ctx, runID, row, ref)
	case errors.Is(err, externalref.ErrNotFound):
		return l.createOrMerge(ctx, runID, row, extID, res)
	default:
		return clean.LoadActionNone, nil, fmt.Errorf("lock external reference %s: %w", extID, err)
	}
}

func (l *OrganizationLoader) softDelete(ctx context.Context, row clean.Record, extID string, res *LoadResult) (clean.LoadAction, *int64, error) {
	ref, err := l.refs.GetForUpdate(ctx, row.ExternalSystem(), externalref.EntityTypeOrganization, extID)
	switch {
	case errors.Is(err, externalref.ErrNotFound):
		// Never imported, nothing to delete.
		res.Skips = append(res.Skips, SkipRecord{StagingID: row.StagingID(), ExternalID: extID, Reason: "delete_unknown_reference"})
		return clean.LoadActionSkipped, nil, nil
	case err != nil:
		return clean.LoadActionNone, nil, fmt.Errorf("lock external reference %s: %w", extID, err)
	}

	coreID := ref.EntityID()
	if !ref.IsActive() {
		return clean.LoadActionUnchanged, &coreID, nil
	}
	if _, err := l.refs.Update(ctx, ref.SoftDelete(l.now(), externalref.UpstreamDeletedReason)); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("soft delete reference %s: %w", extID, err)
	}
	return clean.LoadActionDeleted, &coreID, nil
}

func (l *OrganizationLoader) reconcile(ctx context.Context, runID uuid.UUID, row clean.Record, ref externalref.Ref) (clean.LoadAction, *int64, error) {
	payload := row.Payload()
	coreID := ref.EntityID()

	hash := payloadHash(payload)
	if hash == ref.Metadata().PayloadHash && ref.IsActive() {
		// Keep last-seen fresh even without a content change.
		if _, err := l.refs.Update(ctx, ref.MarkSeen(runID)); err != nil {
			return clean.LoadActionNone, nil, fmt.Errorf("mark reference seen: %w", err)
		}
		return clean.LoadActionUnchanged, &coreID, nil
	}

	org, err := l.orgs.GetByID(ctx, coreID)
	if err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("load organization %d: %w", coreID, err)
	}
	org = org.WithFields(
		stringField(payload, "name"),
		stringField(payload, "description"),
		stringField(payload, "org_type"),
	)
	if _, err := l.orgs.Update(ctx, org); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("update organization %d: %w", coreID, err)
	}

	ref = ref.MarkSeen(runID).WithMetadata(loaderMetadata(payload, runID, row.SourceModstamp()))
	if _, err := l.refs.Update(ctx, ref); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("update reference metadata: %w", err)
	}
	return clean.LoadActionUpdated, &coreID, nil
}

func (l *OrganizationLoader) createOrMerge(ctx context.Context, runID uuid.UUID, row clean.Record, extID string, res *LoadResult) (clean.LoadAction, *int64, error) {
	payload := row.Payload()
	name := strings.TrimSpace(stringField(payload, "name"))

	existing, err := l.orgs.FindByNameFold(ctx, name)
	switch {
	case err == nil:
		// Same name already in core: link instead of creating a duplicate.
		note := fmt.Sprintf("Linked %s record %s on %s.", row.ExternalSystem(), extID, l.now().Format("2006-01-02"))
		if _, err := l.orgs.Update(ctx, existing.WithProvenanceNote(note)); err != nil {
			return clean.LoadActionNone, nil, fmt.Errorf("annotate merged organization: %w", err)
		}
		ref := externalref.New(externalref.EntityTypeOrganization, existing.ID(), row.ExternalSystem(), extID, loaderMetadata(payload, runID, row.SourceModstamp()))
		if _, err := l.refs.Create(ctx, ref); err != nil {
			return clean.LoadActionNone, nil, fmt.Errorf("link merged organization: %w", err)
		}
		coreID := existing.ID()
		res.Skips = append(res.Skips, SkipRecord{
			StagingID:  row.StagingID(),
			ExternalID: extID,
			Reason:     "duplicate_name",
			Details:    map[string]any{"organization_id": coreID, "name": name},
		})
		return clean.LoadActionSkippedDuplicate, &coreID, nil
	case !errors.Is(err, organization.ErrNotFound):
		return clean.LoadActionNone, nil, fmt.Errorf("find organization by name: %w", err)
	}

	slug, err := l.uniqueSlug(ctx, name)
	if err != nil {
		return clean.LoadActionNone, nil, err
	}
	created, err := l.orgs.Create(ctx, organization.New(
		name,
		slug,
		stringField(payload, "description"),
		stringField(payload, "org_type"),
	))
	if err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("create organization %q: %w", name, err)
	}

	ref := externalref.New(externalref.EntityTypeOrganization, created.ID(), row.ExternalSystem(), extID, loaderMetadata(payload, runID, row.SourceModstamp()))
	if _, err := l.refs.Create(ctx, ref); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("create external reference: %w", err)
	}
	coreID := created.ID()
	return clean.LoadActionInserted, &coreID, nil
}

// uniqueSlug derives a URL-safe slug from the name and suffixes on
// collision.
func (l *OrganizationLoader) uniqueSlug(ctx context.Context, name string) (string, error) {
	base := slugify(name)
	if base == "" {
		base = "organization"
	}
	slug := base
	for i := 2; ; i++ {
		exists, err := l.orgs.SlugExists(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("check slug %q: %w", slug, err)
		}
		if !exists {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (l *OrganizationLoader) advanceWatermark(ctx context.Context, runID uuid.UUID) error {
	max, err := l.staged.MaxModstampForRun(ctx, staging.EntityOrganization, runID)
	if err != nil {
		return fmt.Errorf("max staging modstamp: %w", err)
	}
	if max == nil {
		return nil
	}
	wm, err := l.watermarks.GetForUpdate(ctx, l.adapter, l.object)
	if err != nil {
		return fmt.Errorf("lock watermark: %w", err)
	}
	wm, moved := wm.Advance(*max, runID)
	if !moved {
		return nil
	}
	if _, err := l.watermarks.Save(ctx, wm); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	l.m.watermarkAdvanced.WithLabelValues(l.adapter, l.object).Inc()
	return nil
}

func (l *OrganizationLoader) finishRun(ctx context.Context, runID uuid.UUID, counters LoaderCounters) error {
	run, err := l.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	run = run.WithStageCounts("load.organization", counters.asMap()).Succeeded(l.now())
	if _, err := l.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	l.m.runsTotal.WithLabelValues(run.Adapter(), string(importrun.StatusSucceeded)).Inc()
	return nil
}
