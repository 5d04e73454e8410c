package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/watermark"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const watermarkColumns = `adapter, object, modstamp, last_run_id, metadata, updated_at`

type WatermarkRepository struct{}

func NewWatermarkRepository() watermark.Repository {
	return &WatermarkRepository{}
}

func (r *WatermarkRepository) Get(ctx context.Context, adapter, object string) (watermark.Watermark, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return watermark.Watermark{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+watermarkColumns+`
		FROM importer_watermarks
		WHERE adapter = $1 AND object = $2`,
		adapter, object,
	)
	return scanWatermark(row)
}

// GetForUpdate inserts the row on first use so there is always something to
// lock, then locks it until the enclosing transaction ends.
func (r *WatermarkRepository) GetForUpdate(ctx context.Context, adapter, object string) (watermark.Watermark, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return watermark.Watermark{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO importer_watermarks (adapter, object, metadata)
		VALUES ($1, $2, '{}'::jsonb)
		ON CONFLICT (adapter, object) DO NOTHING`,
		adapter, object,
	); err != nil {
		return watermark.Watermark{}, fmt.Errorf("ensure watermark row: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT `+watermarkColumns+`
		FROM importer_watermarks
		WHERE adapter = $1 AND object = $2
		FOR UPDATE`,
		adapter, object,
	)
	return scanWatermark(row)
}

func (r *WatermarkRepository) Save(ctx context.Context, w watermark.Watermark) (watermark.Watermark, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return watermark.Watermark{}, err
	}

	metadata, err := marshalJSON(w.Metadata())
	if err != nil {
		return watermark.Watermark{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE importer_watermarks
		SET modstamp = $3,
			last_run_id = $4,
			metadata = $5,
			updated_at = now()
		WHERE adapter = $1 AND object = $2`,
		w.Adapter(),
		w.Object(),
		w.LastSuccessfulModstamp(),
		w.LastRunID(),
		metadata,
	)
	if err != nil {
		return watermark.Watermark{}, fmt.Errorf("save watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return watermark.Watermark{}, watermark.ErrNotFound
	}
	return r.Get(ctx, w.Adapter(), w.Object())
}

func scanWatermark(row pgx.Row) (watermark.Watermark, error) {
	var (
		adapter   string
		object    string
		modstamp  *time.Time
		lastRunID *uuid.UUID
		rawMeta   []byte
		updatedAt time.Time
	)
	if err := row.Scan(&adapter, &object, &modstamp, &lastRunID, &rawMeta, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return watermark.Watermark{}, watermark.ErrNotFound
		}
		return watermark.Watermark{}, err
	}

	metadata, err := unmarshalMap(rawMeta)
	if err != nil {
		return watermark.Watermark{}, fmt.Errorf("decode watermark metadata: %w", err)
	}
	runID := uuid.Nil
	if lastRunID != nil {
		runID = *lastRunID
	}
	return watermark.Hydrate(adapter, object, modstamp, runID, metadata, updatedAt), nil
}
