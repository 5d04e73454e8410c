package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/affiliation"
	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/volunteer"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/watermark"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

// AffiliationLoader reconciles promoted affiliation rows into the core
// affiliations table. Both endpoints resolve through external references
// written by earlier volunteer and organization loads; an unresolved
// endpoint skips the row instead of failing the run.
type AffiliationLoader struct {
	runs       importrun.Repository
	staged     staging.Repository
	cleans     clean.Repository
	refs       externalref.Repository
	affs       affiliation.Repository
	volunteers volunteer.Repository
	watermarks watermark.Repository

	adapter string
	object  string

	log  *logrus.Entry
	inTx func(context.Context, func(context.Context) error) error
	now  func() time.Time
	m    *metrics
}

func NewAffiliationLoader(
	runs importrun.Repository,
	staged staging.Repository,
	cleans clean.Repository,
	refs externalref.Repository,
	affs affiliation.Repository,
	volunteers volunteer.Repository,
	watermarks watermark.Repository,
	log *logrus.Entry,
) *AffiliationLoader {
	return &AffiliationLoader{
		runs:       runs,
		staged:     staged,
		cleans:     cleans,
		refs:       refs,
		affs:       affs,
		volunteers: volunteers,
		watermarks: watermarks,
		adapter:    "salesforce",
		object:     "npe5__Affiliation__c",
		log:        log,
		inTx:       composables.InTx,
		now:        time.Now,
		m:          getMetrics(),
	}
}

func (l *AffiliationLoader) Execute(ctx context.Context, runID uuid.UUID) (LoadResult, error) {
	var res LoadResult
	err := l.inTx(ctx, func(txCtx context.Context) error {
		rows, err := loadCandidates(txCtx, l.cleans, l.staged, staging.EntityAffiliation, runID)
		if err != nil {
			return fmt.Errorf("list load candidates: %w", err)
		}

		for _, row := range rows {
			action, coreID, err := l.loadOne(txCtx, runID, row, &res)
			if err != nil {
				return err
			}
			res.count(action)
			l.m.loaderActions.WithLabelValues(string(staging.EntityAffiliation), string(action)).Inc()
			if row.ID() != 0 {
				if err := l.cleans.SetLoadResult(txCtx, staging.EntityAffiliation, row.ID(), action, coreID); err != nil {
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
	}).Info("affiliation load finished")
	return res, nil
}

func (l *AffiliationLoader) loadOne(ctx context.Context, runID uuid.UUID, row clean.Record, res *LoadResult) (clean.LoadAction, *int64, error) {
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
		return l.closeOut(ctx, row, extID, res)
	}

	volunteerID, orgID, skipReason, err := l.resolveEndpoints(ctx, row)
	if err != nil {
		return clean.LoadActionNone, nil, err
	}
	if skipReason != "" {
		res.skipDetails(row, extID, skipReason)
		return clean.LoadActionSkipped, nil, nil
	}

	ref, err := l.refs.GetForUpdate(ctx, row.ExternalSystem(), externalref.EntityTypeAffiliation, extID)
	switch {
	case err == nil:
		return l.reconcile(ctx, runID, row, ref, volunteerID)
	case errors.Is(err, externalref.ErrNotFound):
		return l.create(ctx, runID, row, extID, volunteerID, orgID)
	default:
		return clean.LoadActionNone, nil, fmt.Errorf("lock external reference %s: %w", extID, err)
	}
}

// resolveEndpoints maps the source-side contact and organization ids to core
// ids through active external references.
func (l *AffiliationLoader) resolveEndpoints(ctx context.Context, row clean.Record) (volunteerID, orgID int64, skipReason string, err error) {
	payload := row.Payload()

	contactExt := strings.TrimSpace(stringField(payload, "contact_external_id"))
	volRef, err := l.refs.Get(ctx, row.ExternalSystem(), externalref.EntityTypeVolunteer, contactExt)
	switch {
	case errors.Is(err, externalref.ErrNotFound):
		return 0, 0, "unresolved_contact", nil
	case err != nil:
		return 0, 0, "", fmt.Errorf("resolve contact %s: %w", contactExt, err)
	}
	exists, err := l.volunteers.ExistsByID(ctx, volRef.EntityID())
	if err != nil {
		return 0, 0, "", fmt.Errorf("check volunteer %d: %w", volRef.EntityID(), err)
	}
	if !exists {
		return 0, 0, "missing_volunteer", nil
	}

	orgExt := strings.TrimSpace(stringField(payload, "organization_external_id"))
	orgRef, err := l.refs.Get(ctx, row.ExternalSystem(), externalref.EntityTypeOrganization, orgExt)
	switch {
	case errors.Is(err, externalref.ErrNotFound):
		return 0, 0, "unresolved_organization", nil
	case err != nil:
		return 0, 0, "", fmt.Errorf("resolve organization %s: %w", orgExt, err)
	}

	return volRef.EntityID(), orgRef.EntityID(), "", nil
}

// closeOut handles an upstream delete: the affiliation is ended, never
// removed, and the reference is deactivated.
func (l *AffiliationLoader) closeOut(ctx context.Context, row clean.Record, extID string, res *LoadResult) (clean.LoadAction, *int64, error) {
	ref, err := l.refs.GetForUpdate(ctx, row.ExternalSystem(), externalref.EntityTypeAffiliation, extID)
	switch {
	case errors.Is(err, externalref.ErrNotFound):
		res.Skips = append(res.Skips, SkipRecord{StagingID: row.StagingID(), ExternalID: extID, Reason: "delete_unknown_reference"})
		return clean.LoadActionSkipped, nil, nil
	case err != nil:
		return clean.LoadActionNone, nil, fmt.Errorf("lock external reference %s: %w", extID, err)
	}

	coreID := ref.EntityID()
	if !ref.IsActive() {
		return clean.LoadActionUnchanged, &coreID, nil
	}

	aff, err := l.affs.GetByID(ctx, coreID)
	if err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("load affiliation %d: %w", coreID, err)
	}
	if _, err := l.affs.Update(ctx, aff.ClosedOut(l.today())); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("close out affiliation %d: %w", coreID, err)
	}
	if _, err := l.refs.Update(ctx, ref.SoftDelete(l.now(), externalref.UpstreamDeletedReason)); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("soft delete reference %s: %w", extID, err)
	}
	return clean.LoadActionDeleted, &coreID, nil
}

func (l *AffiliationLoader) reconcile(ctx context.Context, runID uuid.UUID, row clean.Record, ref externalref.Ref, volunteerID int64) (clean.LoadAction, *int64, error) {
	payload := row.Payload()
	coreID := ref.EntityID()

	hash := payloadHash(payload)
	if hash == ref.Metadata().PayloadHash && ref.IsActive() {
		if _, err := l.refs.Update(ctx, ref.MarkSeen(runID)); err != nil {
			return clean.LoadActionNone, nil, fmt.Errorf("mark reference seen: %w", err)
		}
		return clean.LoadActionUnchanged, &coreID, nil
	}

	aff, err := l.affs.GetByID(ctx, coreID)
	if err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("load affiliation %d: %w", coreID, err)
	}
	wasPrimary := aff.IsPrimary()
	isPrimary := boolField(payload, "is_primary")

	// Siblings demote before the write: the partial unique index on primary
	// affiliations is checked per statement, so two primaries must never
	// coexist even transiently.
	if isPrimary && !wasPrimary {
		if err := l.affs.DemoteSiblings(ctx, volunteerID, coreID); err != nil {
			return clean.LoadActionNone, nil, fmt.Errorf("demote sibling affiliations: %w", err)
		}
	}

	aff = aff.WithFields(
		stringField(payload, "role"),
		stringField(payload, "status"),
		isPrimary,
		dateField(payload, "start_date"),
		dateField(payload, "end_date"),
		l.today(),
	)
	if _, err := l.affs.Update(ctx, aff); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("update affiliation %d: %w", coreID, err)
	}

	ref = ref.MarkSeen(runID).WithMetadata(loaderMetadata(payload, runID, row.SourceModstamp()))
	if _, err := l.refs.Update(ctx, ref); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("update reference metadata: %w", err)
	}
	return clean.LoadActionUpdated, &coreID, nil
}

func (l *AffiliationLoader) create(ctx context.Context, runID uuid.UUID, row clean.Record, extID string, volunteerID, orgID int64) (clean.LoadAction, *int64, error) {
	payload := row.Payload()
	isPrimary := boolField(payload, "is_primary")

	// Demote before the insert so the primary-affiliation index never sees
	// two primaries for the volunteer. The row has no id yet; 0 excludes
	// nothing.
	if isPrimary {
		if err := l.affs.DemoteSiblings(ctx, volunteerID, 0); err != nil {
			return clean.LoadActionNone, nil, fmt.Errorf("demote sibling affiliations: %w", err)
		}
	}

	created, err := l.affs.Create(ctx, affiliation.New(
		volunteerID,
		orgID,
		stringField(payload, "role"),
		stringField(payload, "status"),
		isPrimary,
		dateField(payload, "start_date"),
		dateField(payload, "end_date"),
	))
	if err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("create affiliation: %w", err)
	}

	ref := externalref.New(externalref.EntityTypeAffiliation, created.ID(), row.ExternalSystem(), extID, loaderMetadata(payload, runID, row.SourceModstamp()))
	if _, err := l.refs.Create(ctx, ref); err != nil {
		return clean.LoadActionNone, nil, fmt.Errorf("create external reference: %w", err)
	}
	coreID := created.ID()
	return clean.LoadActionInserted, &coreID, nil
}

func (l *AffiliationLoader) today() time.Time {
	return l.now().UTC().Truncate(24 * time.Hour)
}

func (l *AffiliationLoader) advanceWatermark(ctx context.Context, runID uuid.UUID) error {
	max, err := l.staged.MaxModstampForRun(ctx, staging.EntityAffiliation, runID)
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

func (l *AffiliationLoader) finishRun(ctx context.Context, runID uuid.UUID, counters LoaderCounters) error {
	run, err := l.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	run = run.WithStageCounts("load.affiliation", counters.asMap()).Succeeded(l.now())
	if _, err := l.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	l.m.runsTotal.WithLabelValues(run.Adapter(), string(importrun.StatusSucceeded)).Inc()
	return nil
}
