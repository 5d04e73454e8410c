package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/clean"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const cleanColumns = `
	id, run_id, staging_id, external_system, external_id, payload,
	load_action, core_id, source_modstamp, created_at`

type CleanRepository struct{}

func NewCleanRepository() clean.Repository {
	return &CleanRepository{}
}

func (r *CleanRepository) Create(ctx context.Context, record clean.Record) (clean.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return clean.Record{}, err
	}
	table, err := cleanTable(record.Entity())
	if err != nil {
		return clean.Record{}, err
	}

	payload, err := marshalJSON(record.Payload())
	if err != nil {
		return clean.Record{}, err
	}

	var id int64
	var createdAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO `+table+` (
			run_id, staging_id, external_system, external_id, payload,
			load_action, core_id, source_modstamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		record.RunID(),
		record.StagingID(),
		record.ExternalSystem(),
		record.ExternalID(),
		payload,
		string(record.LoadAction()),
		record.CoreID(),
		record.SourceModstamp(),
	).Scan(&id, &createdAt); err != nil {
		return clean.Record{}, fmt.Errorf("insert clean record: %w", err)
	}

	return clean.Hydrate(
		id,
		record.RunID(),
		record.StagingID(),
		record.Entity(),
		record.ExternalSystem(),
		record.ExternalID(),
		record.Payload(),
		record.LoadAction(),
		record.CoreID(),
		record.SourceModstamp(),
		createdAt,
	), nil
}

func (r *CleanRepository) ListByRun(ctx context.Context, entity staging.Entity, runID uuid.UUID) ([]clean.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	table, err := cleanTable(entity)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT `+cleanColumns+`
		FROM `+table+`
		WHERE run_id = $1
		ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clean.Record
	for rows.Next() {
		rec, err := scanCleanRecord(rows, entity)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *CleanRepository) ExistsForStaging(ctx context.Context, entity staging.Entity, runID uuid.UUID, stagingID int64) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	table, err := cleanTable(entity)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM `+table+`
			WHERE run_id = $1 AND staging_id = $2
		)`,
		runID, stagingID,
	).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *CleanRepository) SetLoadResult(ctx context.Context, entity staging.Entity, id int64, action clean.LoadAction, coreID *int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	table, err := cleanTable(entity)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE `+table+`
		SET load_action = $2, core_id = $3
		WHERE id = $1`,
		id, string(action), coreID,
	)
	if err != nil {
		return fmt.Errorf("set load result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clean.ErrNotFound
	}
	return nil
}

func scanCleanRecord(row pgx.Row, entity staging.Entity) (clean.Record, error) {
	var (
		id             int64
		runID          uuid.UUID
		stagingID      int64
		externalSystem string
		externalID     string
		payloadRaw     []byte
		loadAction     string
		coreID         *int64
		sourceModstamp *time.Time
		createdAt      time.Time
	)
	if err := row.Scan(
		&id,
		&runID,
		&stagingID,
		&externalSystem,
		&externalID,
		&payloadRaw,
		&loadAction,
		&coreID,
		&sourceModstamp,
		&createdAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return clean.Record{}, clean.ErrNotFound
		}
		return clean.Record{}, err
	}

	payload, err := unmarshalMap(payloadRaw)
	if err != nil {
		return clean.Record{}, fmt.Errorf("decode clean payload: %w", err)
	}

	return clean.Hydrate(
		id,
		runID,
		stagingID,
		entity,
		externalSystem,
		externalID,
		payload,
		clean.LoadAction(loadAction),
		coreID,
		sourceModstamp,
		createdAt,
	), nil
}
