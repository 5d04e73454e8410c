package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/affiliation"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

type affFixture struct {
	runs       *fakeRunRepo
	staged     *fakeStagingRepo
	cleans     *fakeCleanRepo
	refs       *fakeRefRepo
	affs       *fakeAffRepo
	volunteers *fakeVolunteerRepo
	watermarks *fakeWatermarkRepo
	loader     *AffiliationLoader
	now        time.Time
}

func newAffFixture(t *testing.T) *affFixture {
	t.Helper()
	f := &affFixture{
		runs:       newFakeRunRepo(),
		staged:     newFakeStagingRepo(),
		cleans:     newFakeCleanRepo(),
		refs:       newFakeRefRepo(),
		affs:       newFakeAffRepo(),
		volunteers: newFakeVolunteerRepo(7),
		watermarks: newFakeWatermarkRepo(),
		now:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.loader = NewAffiliationLoader(f.runs, f.staged, f.cleans, f.refs, f.affs, f.volunteers, f.watermarks, testLogger())
	f.loader.inTx = passthroughTx
	f.loader.now = func() time.Time { return f.now }
	return f
}

// seedEndpoints registers the external references a resolvable affiliation
// needs: contact C7 -> volunteer 7, account A42 -> organization 42.
func (f *affFixture) seedEndpoints(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.refs.Create(ctx, externalref.New(externalref.EntityTypeVolunteer, 7, "salesforce", "C7", externalref.Metadata{}))
	require.NoError(t, err)
	_, err = f.refs.Create(ctx, externalref.New(externalref.EntityTypeOrganization, 42, "salesforce", "A42", externalref.Metadata{}))
	require.NoError(t, err)
}

func (f *affFixture) startRun(t *testing.T, extID string, payload map[string]any) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	run, err := f.runs.Create(ctx, importrun.New("salesforce", false, importrun.IngestParams{SourceSystem: "salesforce", Object: "npe5__Affiliation__c"}))
	require.NoError(t, err)
	run, err = f.runs.Update(ctx, run.Started(f.now))
	require.NoError(t, err)

	modstamp := f.now.Add(-time.Hour)
	staged, err := f.staged.CreateBatch(ctx, staging.EntityAffiliation, []staging.Record{
		staging.New(run.ID(), 0, extID, "salesforce", extID, payload, payload, "sum", &modstamp),
	})
	require.NoError(t, err)
	require.NoError(t, f.staged.UpdateStatus(ctx, staging.EntityAffiliation, staged[0].ID(), staging.StatusValidated))

	_, err = f.cleans.Create(ctx, clean.New(run.ID(), staged[0].ID(), staging.EntityAffiliation, "salesforce", extID, payload, &modstamp))
	require.NoError(t, err)
	return run.ID()
}

func affPayload(extID string, primary bool) map[string]any {
	return map[string]any{
		"external_id":              extID,
		"contact_external_id":      "C7",
		"organization_external_id": "A42",
		"role":                     "Driver",
		"status":                   affiliation.StatusCurrent,
		"is_primary":               primary,
		"start_date":               "2024-01-15",
		"is_deleted":               false,
		"system_modstamp":          "2024-06-01T00:00:00.000Z",
	}
}

func TestAffiliationLoader_CreatesAndDemotesSiblings(t *testing.T) {
	f := newAffFixture(t)
	ctx := context.Background()
	f.seedEndpoints(t)

	// The volunteer already has a primary affiliation with another org.
	prior, err := f.affs.Create(ctx, affiliation.New(7, 99, "Helper", affiliation.StatusCurrent, true, nil, nil))
	require.NoError(t, err)

	runID := f.startRun(t, "AF1", affPayload("AF1", true))
	res, err := f.loader.Execute(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Created: 1}, res.Counters)

	created, err := f.affs.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), created.VolunteerID())
	assert.Equal(t, int64(42), created.OrganizationID())
	assert.True(t, created.IsPrimary())
	require.NotNil(t, created.StartDate())
	assert.Equal(t, "2024-01-15", created.StartDate().Format("2006-01-02"))

	// Exactly one primary remains.
	demoted, err := f.affs.GetByID(ctx, prior.ID())
	require.NoError(t, err)
	assert.False(t, demoted.IsPrimary())

	run, err := f.runs.GetByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, importrun.StatusSucceeded, run.Status())
	require.Contains(t, run.Counts(), "load.affiliation")
}

func TestAffiliationLoader_UnresolvedEndpointsSkip(t *testing.T) {
	cases := []struct {
		name   string
		seed   func(t *testing.T, f *affFixture)
		reason string
	}{
		{
			name:   "unknown contact",
			seed:   func(t *testing.T, f *affFixture) {},
			reason: "unresolved_contact",
		},
		{
			name: "contact resolves to missing volunteer",
			seed: func(t *testing.T, f *affFixture) {
				_, err := f.refs.Create(context.Background(), externalref.New(externalref.EntityTypeVolunteer, 1234, "salesforce", "C7", externalref.Metadata{}))
				require.NoError(t, err)
			},
			reason: "missing_volunteer",
		},
		{
			name: "unknown organization",
			seed: func(t *testing.T, f *affFixture) {
				_, err := f.refs.Create(context.Background(), externalref.New(externalref.EntityTypeVolunteer, 7, "salesforce", "C7", externalref.Metadata{}))
				require.NoError(t, err)
			},
			reason: "unresolved_organization",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAffFixture(t)
			tc.seed(t, f)
			runID := f.startRun(t, "AF1", affPayload("AF1", false))

			res, err := f.loader.Execute(context.Background(), runID)
			require.NoError(t, err)
			assert.Equal(t, LoaderCounters{Skipped: 1}, res.Counters)
			require.Len(t, res.Skips, 1)
			assert.Equal(t, tc.reason, res.Skips[0].Reason)
			assert.Empty(t, f.affs.affs)
		})
	}
}

func TestAffiliationLoader_ReconcilePromotionToPrimary(t *testing.T) {
	f := newAffFixture(t)
	ctx := context.Background()
	f.seedEndpoints(t)

	run1 := f.startRun(t, "AF1", affPayload("AF1", false))
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	// Another primary affiliation for the same volunteer.
	other, err := f.affs.Create(ctx, affiliation.New(7, 99, "Helper", affiliation.StatusCurrent, true, nil, nil))
	require.NoError(t, err)

	run2 := f.startRun(t, "AF1", affPayload("AF1", true))
	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Updated: 1}, res.Counters)

	updated, err := f.affs.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, updated.IsPrimary())

	demoted, err := f.affs.GetByID(ctx, other.ID())
	require.NoError(t, err)
	assert.False(t, demoted.IsPrimary())
}

func TestAffiliationLoader_UnchangedSecondRun(t *testing.T) {
	f := newAffFixture(t)
	ctx := context.Background()
	f.seedEndpoints(t)

	run1 := f.startRun(t, "AF1", affPayload("AF1", false))
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	run2 := f.startRun(t, "AF1", affPayload("AF1", false))
	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Unchanged: 1}, res.Counters)
}

func TestAffiliationLoader_StatusChangeStampsEndDate(t *testing.T) {
	f := newAffFixture(t)
	ctx := context.Background()
	f.seedEndpoints(t)

	run1 := f.startRun(t, "AF1", affPayload("AF1", false))
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	payload := affPayload("AF1", false)
	payload["status"] = "Former"
	run2 := f.startRun(t, "AF1", payload)
	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Updated: 1}, res.Counters)

	aff, err := f.affs.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Former", aff.Status())
	require.NotNil(t, aff.EndDate())
	assert.Equal(t, "2024-06-01", aff.EndDate().Format("2006-01-02"))
}

func TestAffiliationLoader_CloseOutOnUpstreamDelete(t *testing.T) {
	f := newAffFixture(t)
	ctx := context.Background()
	f.seedEndpoints(t)

	run1 := f.startRun(t, "AF1", affPayload("AF1", true))
	_, err := f.loader.Execute(ctx, run1)
	require.NoError(t, err)

	payload := affPayload("AF1", true)
	payload["is_deleted"] = true
	run2 := f.startRun(t, "AF1", payload)
	res, err := f.loader.Execute(ctx, run2)
	require.NoError(t, err)
	assert.Equal(t, LoaderCounters{Deleted: 1}, res.Counters)

	// Ended and demoted, never removed.
	aff, err := f.affs.GetByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, aff.EndDate())
	assert.False(t, aff.IsPrimary())

	ref, err := f.refs.Get(ctx, "salesforce", externalref.EntityTypeAffiliation, "AF1")
	require.NoError(t, err)
	assert.False(t, ref.IsActive())
}
