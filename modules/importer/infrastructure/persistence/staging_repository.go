package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const stagingColumns = `
	id, run_id, sequence, source_record_id, external_system, external_id,
	payload, normalized, checksum, status, source_modstamp, created_at`

type StagingRepository struct{}

func NewStagingRepository() staging.Repository {
	return &StagingRepository{}
}

func (r *StagingRepository) CreateBatch(ctx context.Context, entity staging.Entity, records []staging.Record) ([]staging.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	table, err := stagingTable(entity)
	if err != nil {
		return nil, err
	}

	out := make([]staging.Record, 0, len(records))
	for _, rec := range records {
		payload, err := marshalJSON(rec.Payload())
		if err != nil {
			return nil, err
		}
		normalized, err := marshalJSON(rec.Normalized())
		if err != nil {
			return nil, err
		}

		var id int64
		var createdAt time.Time
		if err := tx.QueryRow(ctx, `
			INSERT INTO `+table+` (
				run_id, sequence, source_record_id, external_system, external_id,
				payload, normalized, checksum, status, source_modstamp
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at`,
			rec.RunID(),
			rec.Sequence(),
			rec.SourceRecordID(),
			rec.ExternalSystem(),
			rec.ExternalID(),
			payload,
			normalized,
			rec.Checksum(),
			string(rec.Status()),
			rec.SourceModstamp(),
		).Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("insert staging record: %w", err)
		}

		out = append(out, staging.Hydrate(
			id,
			rec.RunID(),
			rec.Sequence(),
			rec.SourceRecordID(),
			rec.ExternalSystem(),
			rec.ExternalID(),
			rec.Payload(),
			rec.Normalized(),
			rec.Checksum(),
			rec.Status(),
			rec.SourceModstamp(),
			createdAt,
		))
	}
	return out, nil
}

func (r *StagingRepository) GetByID(ctx context.Context, entity staging.Entity, id int64) (staging.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return staging.Record{}, err
	}
	table, err := stagingTable(entity)
	if err != nil {
		return staging.Record{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+stagingColumns+`
		FROM `+table+`
		WHERE id = $1`,
		id,
	)
	return scanStagingRecord(row)
}

func (r *StagingRepository) ListByRun(ctx context.Context, entity staging.Entity, runID uuid.UUID) ([]staging.Record, error) {
	return r.list(ctx, entity, runID, nil)
}

func (r *StagingRepository) ListByRunAndStatus(ctx context.Context, entity staging.Entity, runID uuid.UUID, status staging.Status) ([]staging.Record, error) {
	return r.list(ctx, entity, runID, &status)
}

func (r *StagingRepository) list(ctx context.Context, entity staging.Entity, runID uuid.UUID, status *staging.Status) ([]staging.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	table, err := stagingTable(entity)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + stagingColumns + `
		FROM ` + table + `
		WHERE run_id = $1`
	args := []any{runID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY sequence ASC`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []staging.Record
	for rows.Next() {
		rec, err := scanStagingRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *StagingRepository) UpdateStatus(ctx context.Context, entity staging.Entity, id int64, status staging.Status) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	table, err := stagingTable(entity)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE `+table+`
		SET status = $2
		WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update staging status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return staging.ErrNotFound
	}
	return nil
}

func (r *StagingRepository) MaxModstampForRun(ctx context.Context, entity staging.Entity, runID uuid.UUID) (*time.Time, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	table, err := stagingTable(entity)
	if err != nil {
		return nil, err
	}

	var max *time.Time
	if err := tx.QueryRow(ctx, `
		SELECT MAX(source_modstamp)
		FROM `+table+`
		WHERE run_id = $1`,
		runID,
	).Scan(&max); err != nil {
		return nil, err
	}
	return max, nil
}

func scanStagingRecord(row pgx.Row) (staging.Record, error) {
	var (
		id             int64
		runID          uuid.UUID
		sequence       int
		sourceRecordID string
		externalSystem string
		externalID     string
		payloadRaw     []byte
		normalizedRaw  []byte
		checksum       string
		status         string
		sourceModstamp *time.Time
		createdAt      time.Time
	)
	if err := row.Scan(
		&id,
		&runID,
		&sequence,
		&sourceRecordID,
		&externalSystem,
		&externalID,
		&payloadRaw,
		&normalizedRaw,
		&checksum,
		&status,
		&sourceModstamp,
		&createdAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return staging.Record{}, staging.ErrNotFound
		}
		return staging.Record{}, err
	}

	payload, err := unmarshalMap(payloadRaw)
	if err != nil {
		return staging.Record{}, fmt.Errorf("decode staging payload: %w", err)
	}
	normalized, err := unmarshalMap(normalizedRaw)
	if err != nil {
		return staging.Record{}, fmt.Errorf("decode staging normalized payload: %w", err)
	}

	return staging.Hydrate(
		id,
		runID,
		sequence,
		sourceRecordID,
		externalSystem,
		externalID,
		payload,
		normalized,
		checksum,
		staging.Status(status),
		sourceModstamp,
		createdAt,
	), nil
}
