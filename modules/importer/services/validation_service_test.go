package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
)

func stageRows(t *testing.T, repo *fakeStagingRepo, entity staging.Entity, runID uuid.UUID, payloads ...map[string]any) []staging.Record {
	t.Helper()
	records := make([]staging.Record, 0, len(payloads))
	for i, p := range payloads {
		extID, _ := p["external_id"].(string)
		records = append(records, staging.New(runID, i, extID, "salesforce", extID, p, p, "sum", nil))
	}
	out, err := repo.CreateBatch(context.Background(), entity, records)
	require.NoError(t, err)
	return out
}

func TestValidateRun_SplitsValidatedAndQuarantined(t *testing.T) {
	staged := newFakeStagingRepo()
	violations := newFakeViolationRepo()
	svc := NewValidationService(staged, violations, testLogger())
	ctx := context.Background()
	runID := uuid.New()

	rows := stageRows(t, staged, staging.EntityVolunteer, runID,
		map[string]any{"external_id": "C1", "last_name": "Lovelace", "email": map[string]any{"primary": "ada@example.org"}},
		map[string]any{"external_id": "C2", "last_name": "Byron", "email": map[string]any{"primary": "not-an-email"}},
		map[string]any{"external_id": "C3"},
	)

	summary, err := svc.ValidateRun(ctx, staging.EntityVolunteer, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowsChecked)
	assert.Equal(t, 1, summary.RowsValidated)
	assert.Equal(t, 2, summary.RowsQuarantined)
	assert.Equal(t, 2, summary.Violations)

	good, err := staged.GetByID(ctx, staging.EntityVolunteer, rows[0].ID())
	require.NoError(t, err)
	assert.Equal(t, staging.StatusValidated, good.Status())

	bad, err := staged.GetByID(ctx, staging.EntityVolunteer, rows[1].ID())
	require.NoError(t, err)
	assert.Equal(t, staging.StatusQuarantined, bad.Status())

	stored, total, err := violations.List(ctx, violation.FindParams{RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	codes := map[string]bool{}
	for _, v := range stored {
		codes[v.RuleCode()] = true
		assert.Equal(t, violation.StatusOpen, v.Status())
	}
	assert.True(t, codes["DQ010"], "invalid email")
	assert.True(t, codes["DQ002"], "missing last name")
}

func TestValidateRun_WarningsDoNotQuarantine(t *testing.T) {
	staged := newFakeStagingRepo()
	violations := newFakeViolationRepo()
	svc := NewValidationService(staged, violations, testLogger())
	ctx := context.Background()
	runID := uuid.New()

	rows := stageRows(t, staged, staging.EntityAffiliation, runID,
		map[string]any{
			"external_id":              "AF1",
			"contact_external_id":      "C1",
			"organization_external_id": "A1",
			"start_date":               "junk",
		},
	)

	summary, err := svc.ValidateRun(ctx, staging.EntityAffiliation, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RowsValidated)
	assert.Zero(t, summary.RowsQuarantined)
	assert.Equal(t, 1, summary.Violations)

	row, err := staged.GetByID(ctx, staging.EntityAffiliation, rows[0].ID())
	require.NoError(t, err)
	assert.Equal(t, staging.StatusValidated, row.Status())

	stored, _, err := violations.List(ctx, violation.FindParams{RunID: runID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, violation.SeverityWarning, stored[0].Severity())
}

func TestPromoteClean_IsIdempotentPerRun(t *testing.T) {
	staged := newFakeStagingRepo()
	cleans := newFakeCleanRepo()
	svc := NewPromotionService(staged, cleans, testLogger())
	ctx := context.Background()
	runID := uuid.New()

	rows := stageRows(t, staged, staging.EntityOrganization, runID,
		map[string]any{"external_id": "A1", "name": "Alpha"},
		map[string]any{"external_id": "A2", "name": "Beta"},
	)
	for _, r := range rows {
		require.NoError(t, staged.UpdateStatus(ctx, staging.EntityOrganization, r.ID(), staging.StatusValidated))
	}

	first, err := svc.PromoteClean(ctx, staging.EntityOrganization, runID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.RowsPromoted)
	assert.Zero(t, first.RowsSkipped)

	second, err := svc.PromoteClean(ctx, staging.EntityOrganization, runID, false)
	require.NoError(t, err)
	assert.Zero(t, second.RowsPromoted)
	assert.Equal(t, 2, second.RowsSkipped)

	stored, err := cleans.ListByRun(ctx, staging.EntityOrganization, runID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestPromoteClean_SkipsQuarantinedAndSupportsDryRun(t *testing.T) {
	staged := newFakeStagingRepo()
	cleans := newFakeCleanRepo()
	svc := NewPromotionService(staged, cleans, testLogger())
	ctx := context.Background()
	runID := uuid.New()

	rows := stageRows(t, staged, staging.EntityOrganization, runID,
		map[string]any{"external_id": "A1", "name": "Alpha"},
		map[string]any{"external_id": "A2"},
	)
	require.NoError(t, staged.UpdateStatus(ctx, staging.EntityOrganization, rows[0].ID(), staging.StatusValidated))
	require.NoError(t, staged.UpdateStatus(ctx, staging.EntityOrganization, rows[1].ID(), staging.StatusQuarantined))

	summary, err := svc.PromoteClean(ctx, staging.EntityOrganization, runID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RowsConsidered)
	assert.Zero(t, summary.RowsPromoted)
	assert.Len(t, summary.Candidates, 1)

	stored, err := cleans.ListByRun(ctx, staging.EntityOrganization, runID)
	require.NoError(t, err)
	assert.Empty(t, stored, "dry run writes nothing")
}
