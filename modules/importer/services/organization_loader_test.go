package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/organization"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

type orgFixture struct {
	runs       *fakeRunRepo
	staged     *fakeStagingRepo
	cleans     *fakeCleanRepo
	refs       *fakeRefRepo
	orgs       *fakeOrgRepo
	watermarks *fakeWatermarkRepo
	loader     *OrganizationLoader
	now        time.Time
}

func newOrgFixture(t *testing.T) *orgFixture {
	t.Helper()
	f := &orgFixture{
		runs:       newFakeRunRepo(),
		staged:     newFakeStagingRepo(),
		cleans:     newFakeCleanRepo(),
		refs:       newFakeRefRepo(),
		orgs:       newFakeOrgRepo(),
		watermarks: newFakeWatermarkRepo(),
		now:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.loader = NewOrganizationLoader(f.runs, f.staged, f.cleans, f.refs, f.orgs, f.watermarks, testLogger())
	f.loader.inTx = passthroughTx
	f.loader.now = func() time.Time { return f.now }
	return f
}

// startRun creates a running import run and one promoted clean row carrying
// the payload, plus the backing staging row so the loader-side watermark has
// a modstamp to advance to.
func (f *orgFixture) startRun(t *testing.T, extID string, payload map[string]any, modstamp time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	run, err := f.runs.Create(ctx, importrun.New("salesforce", false, importrun.IngestParams{SourceSystem: "salesforce", Object: "Account"}))
	require.NoError(t, err)
	run, err = f.runs.Update(ctx, run.Started(f.now))
	require.NoError(t, err)

	staged, err := f.staged.CreateBatch(ctx, staging.EntityOrganization, []staging.Record{
		staging.New(run.ID(), 0, extID, "salesforce", extID, payload, payload, "sum", &modstamp),
	})
	require.NoError(t, err)
	require.NoError(t, f.staged.UpdateStatus(ctx, staging.EntityOrganization, staged[0].ID(), staging.StatusValidated))

	_, err = f.cleans.Create(ctx, clean.New(run.ID(), staged[0].ID(), staging.EntityOrganization, "salesforce", extID, payload, &modstamp))
	require.NoError(t, err)
	return run.ID()
}

func orgPayload(extID, name string) map[string]any {
	return map[string]any{
		"external_id":     extID,
		"name":            name,
		"description":     "Community food bank",
		"org_type":        "Nonprofit",
		"is_deleted":      false,
		"system_modstamp": "2024-06-01T00:00:00.000Z",
	}
}

func TestOrganizationLoader_CreatesAndFinishesRun(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()
	modstamp := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	runID := f.startRun(t, "001A", orgPayload("001A", "Greenwood Food Bank"), modstamp)

	res, err := f.loader.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Created: 1}, res.Counters)

	org, err := f.orgs.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Greenwood Food Bank", org.Name())
	assert.Equal(t, "greenwood-food-bank", org.Slug())
	assert.Equal(t, "Nonprofit", org.Type())

	ref, err := f.refs.Get(ctx, "salesforce", externalref.EntityTypeOrganization, "001A")
	require.NoError(t, err)
	assert.Equal(t, org.ID(), ref.EntityID())
	assert.True(t, ref.IsActive())
	assert.NotEmpty(t, ref.Metadata().PayloadHash)

	run, err := f.runs.GetByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, importrun.StatusSucceeded, run.Status())
	require.Contains(t, run.Counts(), "load.organization")

	wm, err := f.watermarks.Get(ctx, "salesforce", "Account")
	require.NoError(t, err)
	require.NotNil(t, wm.LastSuccessfulModstamp())
	assert.True(t, wm.LastSuccessfulModstamp().Equal(modstamp))

	// Load result is written back onto the clean row.
	rows, err := f.cleans.ListByRun(ctx, staging.EntityOrganization, runID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, clean.LoadActionInserted, rows[0].LoadAction())
	require.NotNil(t, rows[0].CoreID())
	assert.Equal(t, org.ID(), *rows[0].CoreID())
}

func TestOrganizationLoader_UnchangedWhenOnlyVolatileFieldsMove(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()
	ts1 := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	run1 := f.startRun(t, "001A", orgPayload("001A", "Greenwood Food Bank"), ts1)
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	// Same content, newer modstamp: hash comparison ignores volatile fields.
	payload := orgPayload("001A", "Greenwood Food Bank")
	payload["system_modstamp"] = "2024-06-02T00:00:00.000Z"
	ts2 := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	run2 := f.startRun(t, "001A", payload, ts2)

	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Unchanged: 1}, res.Counters)

	// last-seen still advanced.
	ref, err := f.refs.Get(ctx, "salesforce", externalref.EntityTypeOrganization, "001A")
	require.NoError(t, err)
	assert.Equal(t, run2, ref.Metadata().LastSeenRunID)

	wm, err := f.watermarks.Get(ctx, "salesforce", "Account")
	require.NoError(t, err)
	assert.True(t, wm.LastSuccessfulModstamp().Equal(ts2))
}

func TestOrganizationLoader_UpdatesOnContentChange(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	run1 := f.startRun(t, "001A", orgPayload("001A", "Greenwood Food Bank"), ts)
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	payload := orgPayload("001A", "Greenwood Community Food Bank")
	run2 := f.startRun(t, "001A", payload, ts.Add(time.Hour))

	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Updated: 1}, res.Counters)

	org, err := f.orgs.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Greenwood Community Food Bank", org.Name())
}

func TestOrganizationLoader_MergesOnDuplicateName(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()

	existing, err := f.orgs.Create(ctx, organization.New("Greenwood Food Bank", "greenwood-food-bank", "", "Nonprofit"))
	require.NoError(t, err)

	ts := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	runID := f.startRun(t, "001B", orgPayload("001B", "greenwood food bank"), ts)

	res, err := f.loader.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Skipped: 1}, res.Counters)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, "duplicate_name", res.Skips[0].Reason)

	// The external record links to the existing row instead of duplicating it.
	ref, err := f.refs.Get(ctx, "salesforce", externalref.EntityTypeOrganization, "001B")
	require.NoError(t, err)
	assert.Equal(t, existing.ID(), ref.EntityID())

	merged, err := f.orgs.GetByID(ctx, existing.ID())
	require.NoError(t, err)
	assert.Contains(t, merged.Description(), "Linked salesforce record 001B")
	assert.Len(t, f.orgs.orgs, 1)
}

func TestOrganizationLoader_SlugCollisionSuffixes(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()

	_, err := f.orgs.Create(ctx, organization.New("Other Org", "greenwood-food-bank", "", ""))
	require.NoError(t, err)

	ts := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	runID := f.startRun(t, "001C", orgPayload("001C", "Greenwood Food Bank"), ts)

	res, err := f.loader.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Created: 1}, res.Counters)

	created, err := f.orgs.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "greenwood-food-bank-2", created.Slug())
}

func TestOrganizationLoader_SoftDelete(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	run1 := f.startRun(t, "001A", orgPayload("001A", "Greenwood Food Bank"), ts)
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	payload := orgPayload("001A", "Greenwood Food Bank")
	payload["is_deleted"] = true
	run2 := f.startRun(t, "001A", payload, ts.Add(time.Hour))

	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Deleted: 1}, res.Counters)

	ref, err := f.refs.Get(ctx, "salesforce", externalref.EntityTypeOrganization, "001A")
	require.NoError(t, err)
	assert.False(t, ref.IsActive())
	require.NotNil(t, ref.Deactivation())
	assert.Equal(t, externalref.UpstreamDeletedReason, ref.Deactivation().Reason)

	// A repeated delete is a no-op.
	run3 := f.startRun(t, "001A", payload, ts.Add(2*time.Hour))
	res, err = f.loader.Execute(ctx, run3)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Unchanged: 1}, res.Counters)
}

func TestOrganizationLoader_DeleteForUnknownReferenceSkips(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()
	payload := orgPayload("001Z", "Never Seen")
	payload["is_deleted"] = true
	runID := f.startRun(t, "001Z", payload, time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC))

	res, err := f.loader.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Skipped: 1}, res.Counters)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, "delete_unknown_reference", res.Skips[0].Reason)
	assert.Empty(t, f.orgs.orgs)
}

func TestOrganizationLoader_FallsBackToValidatedStaging(t *testing.T) {
	f := newOrgFixture(t)
	ctx := context.Background()

	run, err := f.runs.Create(ctx, importrun.New("salesforce", false, importrun.IngestParams{SourceSystem: "salesforce", Object: "Account"}))
	require.NoError(t, err)
	run, err = f.runs.Update(ctx, run.Started(f.now))
	require.NoError(t, err)

	payload := orgPayload("001D", "Harbor Shelter")
	staged, err := f.staged.CreateBatch(ctx, staging.EntityOrganization, []staging.Record{
		staging.New(run.ID(), 0, "001D", "salesforce", "001D", payload, payload, "sum", nil),
	})
	require.NoError(t, err)
	require.NoError(t, f.staged.UpdateStatus(ctx, staging.EntityOrganization, staged[0].ID(), staging.StatusValidated))

	res, err := f.loader.Execute(ctx, run.ID())
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Created: 1}, res.Counters)

	// Fallback candidates have no clean-row id, so nothing was written back.
	rows, err := f.cleans.ListByRun(ctx, staging.EntityOrganization, run.ID())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "greenwood-food-bank", slugify("  Greenwood Food Bank  "))
	assert.Equal(t, "st-mary-s-shelter", slugify("St. Mary's Shelter"))
	assert.Equal(t, "a1-services", slugify("A1 Services!!"))
	assert.Equal(t, "", slugify("---"))
}

