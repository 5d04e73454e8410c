package services

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/affiliation"
	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/organization"
	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/volunteer"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/watermark"

	"github.com/google/uuid"
)

// The fakes below back the service tests with plain maps so scenarios run
// without a database. Transactions pass through; the loaders' all-or-nothing
// property is exercised against the real schema elsewhere.

func passthroughTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// --- import runs ---

type fakeRunRepo struct {
	runs map[uuid.UUID]importrun.Run
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: map[uuid.UUID]importrun.Run{}}
}

func (r *fakeRunRepo) Create(_ context.Context, run importrun.Run) (importrun.Run, error) {
	r.runs[run.ID()] = run
	return run, nil
}

func (r *fakeRunRepo) Update(_ context.Context, run importrun.Run) (importrun.Run, error) {
	if _, ok := r.runs[run.ID()]; !ok {
		return importrun.Run{}, importrun.ErrNotFound
	}
	r.runs[run.ID()] = run
	return run, nil
}

func (r *fakeRunRepo) GetByID(_ context.Context, id uuid.UUID) (importrun.Run, error) {
	run, ok := r.runs[id]
	if !ok {
		return importrun.Run{}, importrun.ErrNotFound
	}
	return run, nil
}

func (r *fakeRunRepo) ListStale(_ context.Context, olderThan time.Time) ([]importrun.Run, error) {
	var out []importrun.Run
	for _, run := range r.runs {
		if run.Status() == importrun.StatusRunning && run.UpdatedAt().Before(olderThan) {
			out = append(out, run)
		}
	}
	return out, nil
}

// --- staging ---

type fakeStagingRepo struct {
	nextID  int64
	records map[staging.Entity]map[int64]staging.Record
}

func newFakeStagingRepo() *fakeStagingRepo {
	return &fakeStagingRepo{nextID: 1, records: map[staging.Entity]map[int64]staging.Record{}}
}

func (r *fakeStagingRepo) table(entity staging.Entity) map[int64]staging.Record {
	if r.records[entity] == nil {
		r.records[entity] = map[int64]staging.Record{}
	}
	return r.records[entity]
}

func (r *fakeStagingRepo) CreateBatch(_ context.Context, entity staging.Entity, records []staging.Record) ([]staging.Record, error) {
	out := make([]staging.Record, 0, len(records))
	for _, rec := range records {
		id := r.nextID
		r.nextID++
		stored := staging.Hydrate(
			id, rec.RunID(), rec.Sequence(), rec.SourceRecordID(),
			rec.ExternalSystem(), rec.ExternalID(), rec.Payload(), rec.Normalized(),
			rec.Checksum(), rec.Status(), rec.SourceModstamp(), time.Now(),
		)
		r.table(entity)[id] = stored
		out = append(out, stored)
	}
	return out, nil
}

func (r *fakeStagingRepo) GetByID(_ context.Context, entity staging.Entity, id int64) (staging.Record, error) {
	rec, ok := r.table(entity)[id]
	if !ok {
		return staging.Record{}, staging.ErrNotFound
	}
	return rec, nil
}

func (r *fakeStagingRepo) ListByRun(_ context.Context, entity staging.Entity, runID uuid.UUID) ([]staging.Record, error) {
	return r.list(entity, runID, nil), nil
}

func (r *fakeStagingRepo) ListByRunAndStatus(_ context.Context, entity staging.Entity, runID uuid.UUID, status staging.Status) ([]staging.Record, error) {
	return r.list(entity, runID, &status), nil
}

func (r *fakeStagingRepo) list(entity staging.Entity, runID uuid.UUID, status *staging.Status) []staging.Record {
	var out []staging.Record
	for _, rec := range r.table(entity) {
		if rec.RunID() != runID {
			continue
		}
		if status != nil && rec.Status() != *status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence() < out[j].Sequence() })
	return out
}

func (r *fakeStagingRepo) UpdateStatus(_ context.Context, entity staging.Entity, id int64, status staging.Status) error {
	rec, ok := r.table(entity)[id]
	if !ok {
		return staging.ErrNotFound
	}
	r.table(entity)[id] = rec.WithStatus(status)
	return nil
}

func (r *fakeStagingRepo) MaxModstampForRun(_ context.Context, entity staging.Entity, runID uuid.UUID) (*time.Time, error) {
	var max *time.Time
	for _, rec := range r.table(entity) {
		if rec.RunID() != runID || rec.SourceModstamp() == nil {
			continue
		}
		if max == nil || rec.SourceModstamp().After(*max) {
			t := *rec.SourceModstamp()
			max = &t
		}
	}
	return max, nil
}

// --- clean ---

type fakeCleanRepo struct {
	nextID  int64
	records map[staging.Entity]map[int64]clean.Record
}

func newFakeCleanRepo() *fakeCleanRepo {
	return &fakeCleanRepo{nextID: 1, records: map[staging.Entity]map[int64]clean.Record{}}
}

func (r *fakeCleanRepo) table(entity staging.Entity) map[int64]clean.Record {
	if r.records[entity] == nil {
		r.records[entity] = map[int64]clean.Record{}
	}
	return r.records[entity]
}

func (r *fakeCleanRepo) Create(_ context.Context, record clean.Record) (clean.Record, error) {
	id := r.nextID
	r.nextID++
	stored := clean.Hydrate(
		id, record.RunID(), record.StagingID(), record.Entity(),
		record.ExternalSystem(), record.ExternalID(), record.Payload(),
		record.LoadAction(), record.CoreID(), record.SourceModstamp(), time.Now(),
	)
	r.table(record.Entity())[id] = stored
	return stored, nil
}

func (r *fakeCleanRepo) ListByRun(_ context.Context, entity staging.Entity, runID uuid.UUID) ([]clean.Record, error) {
	var ids []int64
	for id, rec := range r.table(entity) {
		if rec.RunID() == runID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]clean.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.table(entity)[id])
	}
	return out, nil
}

func (r *fakeCleanRepo) ExistsForStaging(_ context.Context, entity staging.Entity, runID uuid.UUID, stagingID int64) (bool, error) {
	for _, rec := range r.table(entity) {
		if rec.RunID() == runID && rec.StagingID() == stagingID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeCleanRepo) SetLoadResult(_ context.Context, entity staging.Entity, id int64, action clean.LoadAction, coreID *int64) error {
	rec, ok := r.table(entity)[id]
	if !ok {
		return clean.ErrNotFound
	}
	r.table(entity)[id] = rec.WithLoadResult(action, coreID)
	return nil
}

// --- watermarks ---

type fakeWatermarkRepo struct {
	marks map[string]watermark.Watermark
}

func newFakeWatermarkRepo() *fakeWatermarkRepo {
	return &fakeWatermarkRepo{marks: map[string]watermark.Watermark{}}
}

func wmKey(adapter, object string) string { return adapter + "/" + object }

func (r *fakeWatermarkRepo) Get(_ context.Context, adapter, object string) (watermark.Watermark, error) {
	wm, ok := r.marks[wmKey(adapter, object)]
	if !ok {
		return watermark.Watermark{}, watermark.ErrNotFound
	}
	return wm, nil
}

func (r *fakeWatermarkRepo) GetForUpdate(_ context.Context, adapter, object string) (watermark.Watermark, error) {
	key := wmKey(adapter, object)
	if _, ok := r.marks[key]; !ok {
		r.marks[key] = watermark.New(adapter, object)
	}
	return r.marks[key], nil
}

func (r *fakeWatermarkRepo) Save(_ context.Context, wm watermark.Watermark) (watermark.Watermark, error) {
	key := wmKey(wm.Adapter(), wm.Object())
	if _, ok := r.marks[key]; !ok {
		return watermark.Watermark{}, watermark.ErrNotFound
	}
	r.marks[key] = wm
	return wm, nil
}

// --- external references ---

type fakeRefRepo struct {
	nextID int64
	refs   map[string]externalref.Ref
}

func newFakeRefRepo() *fakeRefRepo {
	return &fakeRefRepo{nextID: 1, refs: map[string]externalref.Ref{}}
}

func refKey(system string, entityType externalref.EntityType, externalID string) string {
	return strings.Join([]string{system, string(entityType), externalID}, "|")
}

func (r *fakeRefRepo) Get(_ context.Context, system string, entityType externalref.EntityType, externalID string) (externalref.Ref, error) {
	ref, ok := r.refs[refKey(system, entityType, externalID)]
	if !ok {
		return externalref.Ref{}, externalref.ErrNotFound
	}
	return ref, nil
}

func (r *fakeRefRepo) GetForUpdate(ctx context.Context, system string, entityType externalref.EntityType, externalID string) (externalref.Ref, error) {
	return r.Get(ctx, system, entityType, externalID)
}

func (r *fakeRefRepo) Create(_ context.Context, ref externalref.Ref) (externalref.Ref, error) {
	key := refKey(ref.ExternalSystem(), ref.EntityType(), ref.ExternalID())
	if _, ok := r.refs[key]; ok {
		return externalref.Ref{}, externalref.ErrDuplicate
	}
	id := r.nextID
	r.nextID++
	stored := externalref.Hydrate(
		id, ref.EntityType(), ref.EntityID(), ref.ExternalSystem(), ref.ExternalID(),
		ref.Deactivation(), ref.Metadata(), time.Now(), time.Now(),
	)
	r.refs[key] = stored
	return stored, nil
}

func (r *fakeRefRepo) Update(_ context.Context, ref externalref.Ref) (externalref.Ref, error) {
	for key, stored := range r.refs {
		if stored.ID() == ref.ID() {
			r.refs[key] = ref
			return ref, nil
		}
	}
	return externalref.Ref{}, externalref.ErrNotFound
}

// --- violations ---

type fakeViolationRepo struct {
	nextID     int64
	violations map[int64]violation.Violation
}

func newFakeViolationRepo() *fakeViolationRepo {
	return &fakeViolationRepo{nextID: 1, violations: map[int64]violation.Violation{}}
}

func (r *fakeViolationRepo) CreateBatch(_ context.Context, violations []violation.Violation) ([]violation.Violation, error) {
	out := make([]violation.Violation, 0, len(violations))
	for _, v := range violations {
		id := r.nextID
		r.nextID++
		stored := violation.Hydrate(
			id, v.RunID(), v.StagingID(), v.Entity(), v.RuleCode(), v.Severity(),
			v.Status(), v.Message(), v.Details(), v.EditedPayload(), v.Audit(),
			time.Now(), time.Now(),
		)
		r.violations[id] = stored
		out = append(out, stored)
	}
	return out, nil
}

func (r *fakeViolationRepo) GetByID(_ context.Context, id int64) (violation.Violation, error) {
	v, ok := r.violations[id]
	if !ok {
		return violation.Violation{}, violation.ErrNotFound
	}
	return v, nil
}

func (r *fakeViolationRepo) Update(_ context.Context, v violation.Violation) (violation.Violation, error) {
	if _, ok := r.violations[v.ID()]; !ok {
		return violation.Violation{}, violation.ErrNotFound
	}
	r.violations[v.ID()] = v
	return v, nil
}

func (r *fakeViolationRepo) List(_ context.Context, params violation.FindParams) ([]violation.Violation, int64, error) {
	var all []violation.Violation
	for _, v := range r.violations {
		if params.RunID != uuid.Nil && v.RunID() != params.RunID {
			continue
		}
		if params.Entity != "" && v.Entity() != params.Entity {
			continue
		}
		if params.RuleCode != "" && v.RuleCode() != params.RuleCode {
			continue
		}
		if params.Severity != "" && v.Severity() != params.Severity {
			continue
		}
		if params.Status != "" && v.Status() != params.Status {
			continue
		}
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	total := int64(len(all))
	if params.Offset > 0 {
		if params.Offset >= len(all) {
			all = nil
		} else {
			all = all[params.Offset:]
		}
	}
	if params.Limit > 0 && len(all) > params.Limit {
		all = all[:params.Limit]
	}
	return all, total, nil
}

func (r *fakeViolationRepo) GetStats(ctx context.Context, params violation.FindParams) (violation.Stats, error) {
	rows, _, err := r.List(ctx, params)
	if err != nil {
		return violation.Stats{}, err
	}
	stats := violation.Stats{ByRuleCode: map[string]int64{}, BySeverity: map[string]int64{}}
	for _, v := range rows {
		stats.Total++
		stats.ByRuleCode[v.RuleCode()]++
		stats.BySeverity[string(v.Severity())]++
	}
	return stats, nil
}

func (r *fakeViolationRepo) GetRemediationStats(_ context.Context, since time.Time) (violation.RemediationStats, error) {
	stats := violation.RemediationStats{ByRule: map[string]int64{}}
	for _, v := range r.violations {
		for _, e := range v.Audit() {
			if e.Timestamp.Before(since) {
				continue
			}
			stats.Attempts++
			if e.Outcome == "succeeded" {
				stats.Successes++
			} else {
				stats.Failures++
			}
			stats.ByRule[v.RuleCode()]++
		}
	}
	return stats, nil
}

// --- crm: organizations ---

type fakeOrgRepo struct {
	nextID int64
	orgs   map[int64]organization.Organization
}

func newFakeOrgRepo() *fakeOrgRepo {
	return &fakeOrgRepo{nextID: 1, orgs: map[int64]organization.Organization{}}
}

func (r *fakeOrgRepo) GetByID(_ context.Context, id int64) (organization.Organization, error) {
	o, ok := r.orgs[id]
	if !ok {
		return organization.Organization{}, organization.ErrNotFound
	}
	return o, nil
}

func (r *fakeOrgRepo) FindByNameFold(_ context.Context, name string) (organization.Organization, error) {
	var ids []int64
	for id := range r.orgs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if strings.EqualFold(r.orgs[id].Name(), name) {
			return r.orgs[id], nil
		}
	}
	return organization.Organization{}, organization.ErrNotFound
}

func (r *fakeOrgRepo) SlugExists(_ context.Context, slug string) (bool, error) {
	for _, o := range r.orgs {
		if o.Slug() == slug {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeOrgRepo) Create(_ context.Context, o organization.Organization) (organization.Organization, error) {
	id := r.nextID
	r.nextID++
	stored := organization.Hydrate(id, o.Name(), o.Slug(), o.Description(), o.Type(), o.Active(), time.Now(), time.Now())
	r.orgs[id] = stored
	return stored, nil
}

func (r *fakeOrgRepo) Update(_ context.Context, o organization.Organization) (organization.Organization, error) {
	if _, ok := r.orgs[o.ID()]; !ok {
		return organization.Organization{}, organization.ErrNotFound
	}
	r.orgs[o.ID()] = o
	return o, nil
}

// --- crm: affiliations ---

// fakeAffRepo enforces the same per-statement invariant as the partial
// unique index on primary affiliations: a write that leaves a volunteer
// with two primaries fails, siblings must be demoted first.
type fakeAffRepo struct {
	nextID int64
	affs   map[int64]affiliation.Affiliation
}

func newFakeAffRepo() *fakeAffRepo {
	return &fakeAffRepo{nextID: 1, affs: map[int64]affiliation.Affiliation{}}
}

func (r *fakeAffRepo) GetByID(_ context.Context, id int64) (affiliation.Affiliation, error) {
	a, ok := r.affs[id]
	if !ok {
		return affiliation.Affiliation{}, affiliation.ErrNotFound
	}
	return a, nil
}

func (r *fakeAffRepo) otherPrimaryExists(id, volunteerID int64) bool {
	for otherID, a := range r.affs {
		if otherID != id && a.VolunteerID() == volunteerID && a.IsPrimary() {
			return true
		}
	}
	return false
}

func (r *fakeAffRepo) Create(_ context.Context, a affiliation.Affiliation) (affiliation.Affiliation, error) {
	if a.IsPrimary() && r.otherPrimaryExists(0, a.VolunteerID()) {
		return affiliation.Affiliation{}, errors.New(`duplicate key value violates unique constraint "uq_affiliations_primary"`)
	}
	id := r.nextID
	r.nextID++
	stored := affiliation.Hydrate(
		id, a.VolunteerID(), a.OrganizationID(), a.Role(), a.Status(),
		a.IsPrimary(), a.StartDate(), a.EndDate(), time.Now(), time.Now(),
	)
	r.affs[id] = stored
	return stored, nil
}

func (r *fakeAffRepo) Update(_ context.Context, a affiliation.Affiliation) (affiliation.Affiliation, error) {
	if _, ok := r.affs[a.ID()]; !ok {
		return affiliation.Affiliation{}, affiliation.ErrNotFound
	}
	if a.IsPrimary() && r.otherPrimaryExists(a.ID(), a.VolunteerID()) {
		return affiliation.Affiliation{}, errors.New(`duplicate key value violates unique constraint "uq_affiliations_primary"`)
	}
	r.affs[a.ID()] = a
	return a, nil
}

func (r *fakeAffRepo) DemoteSiblings(_ context.Context, volunteerID, exceptID int64) error {
	for id, a := range r.affs {
		if a.VolunteerID() != volunteerID || id == exceptID || !a.IsPrimary() {
			continue
		}
		r.affs[id] = affiliation.Hydrate(
			id, a.VolunteerID(), a.OrganizationID(), a.Role(), a.Status(),
			false, a.StartDate(), a.EndDate(), a.CreatedAt(), time.Now(),
		)
	}
	return nil
}

// --- crm: volunteers ---

type fakeVolunteerRepo struct {
	volunteers map[int64]volunteer.Volunteer
}

func newFakeVolunteerRepo(ids ...int64) *fakeVolunteerRepo {
	r := &fakeVolunteerRepo{volunteers: map[int64]volunteer.Volunteer{}}
	for _, id := range ids {
		r.volunteers[id] = volunteer.Hydrate(id, "Test", fmt.Sprintf("Volunteer%d", id), "", time.Now(), time.Now())
	}
	return r
}

func (r *fakeVolunteerRepo) GetByID(_ context.Context, id int64) (volunteer.Volunteer, error) {
	v, ok := r.volunteers[id]
	if !ok {
		return volunteer.Volunteer{}, volunteer.ErrNotFound
	}
	return v, nil
}

func (r *fakeVolunteerRepo) ExistsByID(_ context.Context, id int64) (bool, error) {
	_, ok := r.volunteers[id]
	return ok, nil
}
