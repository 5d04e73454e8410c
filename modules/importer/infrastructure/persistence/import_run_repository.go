package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/importrun"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const importRunColumns = `
	id, adapter, status, dry_run, started_at, finished_at, error_summary,
	counts, metrics, ingest_params, max_source_updated_at, created_at, updated_at`

type ImportRunRepository struct{}

func NewImportRunRepository() importrun.Repository {
	return &ImportRunRepository{}
}

func (r *ImportRunRepository) Create(ctx context.Context, run importrun.Run) (importrun.Run, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importrun.Run{}, err
	}

	counts, err := marshalJSON(run.Counts())
	if err != nil {
		return importrun.Run{}, err
	}
	metrics, err := marshalJSON(run.Metrics())
	if err != nil {
		return importrun.Run{}, err
	}
	params, err := marshalJSON(run.IngestParams())
	if err != nil {
		return importrun.Run{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO import_runs (
			id, adapter, status, dry_run, started_at, finished_at, error_summary,
			counts, metrics, ingest_params, max_source_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		run.ID(),
		run.Adapter(),
		string(run.Status()),
		run.DryRun(),
		run.StartedAt(),
		run.FinishedAt(),
		run.ErrorSummary(),
		counts,
		metrics,
		params,
		run.MaxSourceUpdatedAt(),
	)
	var createdAt, updatedAt time.Time
	if err := row.Scan(&createdAt, &updatedAt); err != nil {
		return importrun.Run{}, fmt.Errorf("create import run: %w", err)
	}
	return r.GetByID(ctx, run.ID())
}

func (r *ImportRunRepository) Update(ctx context.Context, run importrun.Run) (importrun.Run, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importrun.Run{}, err
	}

	counts, err := marshalJSON(run.Counts())
	if err != nil {
		return importrun.Run{}, err
	}
	metrics, err := marshalJSON(run.Metrics())
	if err != nil {
		return importrun.Run{}, err
	}
	params, err := marshalJSON(run.IngestParams())
	if err != nil {
		return importrun.Run{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE import_runs
		SET adapter = $2,
			status = $3,
			dry_run = $4,
			started_at = $5,
			finished_at = $6,
			error_summary = $7,
			counts = $8,
			metrics = $9,
			ingest_params = $10,
			max_source_updated_at = $11,
			updated_at = now()
		WHERE id = $1`,
		run.ID(),
		run.Adapter(),
		string(run.Status()),
		run.DryRun(),
		run.StartedAt(),
		run.FinishedAt(),
		run.ErrorSummary(),
		counts,
		metrics,
		params,
		run.MaxSourceUpdatedAt(),
	)
	if err != nil {
		return importrun.Run{}, fmt.Errorf("update import run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return importrun.Run{}, importrun.ErrNotFound
	}
	return r.GetByID(ctx, run.ID())
}

func (r *ImportRunRepository) GetByID(ctx context.Context, id uuid.UUID) (importrun.Run, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importrun.Run{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+importRunColumns+`
		FROM import_runs
		WHERE id = $1`,
		id,
	)
	return scanImportRun(row)
}

func (r *ImportRunRepository) ListStale(ctx context.Context, olderThan time.Time) ([]importrun.Run, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT `+importRunColumns+`
		FROM import_runs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC`,
		string(importrun.StatusRunning),
		olderThan,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []importrun.Run
	for rows.Next() {
		run, err := scanImportRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanImportRun(row pgx.Row) (importrun.Run, error) {
	var (
		id                 uuid.UUID
		adapter            string
		status             string
		dryRun             bool
		startedAt          *time.Time
		finishedAt         *time.Time
		errorSummary       string
		countsRaw          []byte
		metricsRaw         []byte
		paramsRaw          []byte
		maxSourceUpdatedAt *time.Time
		createdAt          time.Time
		updatedAt          time.Time
	)
	if err := row.Scan(
		&id,
		&adapter,
		&status,
		&dryRun,
		&startedAt,
		&finishedAt,
		&errorSummary,
		&countsRaw,
		&metricsRaw,
		&paramsRaw,
		&maxSourceUpdatedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importrun.Run{}, importrun.ErrNotFound
		}
		return importrun.Run{}, err
	}

	counts, err := unmarshalMap(countsRaw)
	if err != nil {
		return importrun.Run{}, fmt.Errorf("decode run counts: %w", err)
	}
	metrics, err := unmarshalMap(metricsRaw)
	if err != nil {
		return importrun.Run{}, fmt.Errorf("decode run metrics: %w", err)
	}
	var params importrun.IngestParams
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return importrun.Run{}, fmt.Errorf("decode ingest params: %w", err)
		}
	}

	return importrun.Hydrate(
		id,
		adapter,
		importrun.Status(status),
		dryRun,
		startedAt,
		finishedAt,
		errorSummary,
		counts,
		metrics,
		params,
		maxSourceUpdatedAt,
		createdAt,
		updatedAt,
	), nil
}
