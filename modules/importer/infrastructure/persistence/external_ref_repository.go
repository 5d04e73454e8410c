package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/externalref"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const externalRefColumns = `
	id, entity_type, entity_id, external_system, external_id,
	deactivated_at, deactivation_reason, metadata, created_at, updated_at`

type ExternalRefRepository struct{}

func NewExternalRefRepository() externalref.Repository {
	return &ExternalRefRepository{}
}

func (r *ExternalRefRepository) GetForUpdate(ctx context.Context, system string, entityType externalref.EntityType, externalID string) (externalref.Ref, error) {
	return r.get(ctx, system, entityType, externalID, true)
}

func (r *ExternalRefRepository) Get(ctx context.Context, system string, entityType externalref.EntityType, externalID string) (externalref.Ref, error) {
	return r.get(ctx, system, entityType, externalID, false)
}

func (r *ExternalRefRepository) get(ctx context.Context, system string, entityType externalref.EntityType, externalID string, forUpdate bool) (externalref.Ref, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return externalref.Ref{}, err
	}

	query := `
		SELECT ` + externalRefColumns + `
		FROM external_id_map
		WHERE external_system = $1 AND entity_type = $2 AND external_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	row := tx.QueryRow(ctx, query, system, string(entityType), externalID)
	return scanExternalRef(row)
}

func (r *ExternalRefRepository) Create(ctx context.Context, ref externalref.Ref) (externalref.Ref, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return externalref.Ref{}, err
	}

	metadata, err := marshalJSON(ref.Metadata())
	if err != nil {
		return externalref.Ref{}, err
	}
	var deactivatedAt *time.Time
	var reason *string
	if d := ref.Deactivation(); d != nil {
		deactivatedAt = &d.At
		reason = &d.Reason
	}

	var id int64
	var createdAt, updatedAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO external_id_map (
			entity_type, entity_id, external_system, external_id,
			deactivated_at, deactivation_reason, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		string(ref.EntityType()),
		ref.EntityID(),
		ref.ExternalSystem(),
		ref.ExternalID(),
		deactivatedAt,
		reason,
		metadata,
	).Scan(&id, &createdAt, &updatedAt); err != nil {
		if isUniqueViolation(err) {
			return externalref.Ref{}, externalref.ErrDuplicate
		}
		return externalref.Ref{}, fmt.Errorf("create external reference: %w", err)
	}

	return externalref.Hydrate(
		id,
		ref.EntityType(),
		ref.EntityID(),
		ref.ExternalSystem(),
		ref.ExternalID(),
		ref.Deactivation(),
		ref.Metadata(),
		createdAt,
		updatedAt,
	), nil
}

func (r *ExternalRefRepository) Update(ctx context.Context, ref externalref.Ref) (externalref.Ref, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return externalref.Ref{}, err
	}

	metadata, err := marshalJSON(ref.Metadata())
	if err != nil {
		return externalref.Ref{}, err
	}
	var deactivatedAt *time.Time
	var reason *string
	if d := ref.Deactivation(); d != nil {
		deactivatedAt = &d.At
		reason = &d.Reason
	}

	tag, err := tx.Exec(ctx, `
		UPDATE external_id_map
		SET entity_id = $2,
			deactivated_at = $3,
			deactivation_reason = $4,
			metadata = $5,
			updated_at = now()
		WHERE id = $1`,
		ref.ID(),
		ref.EntityID(),
		deactivatedAt,
		reason,
		metadata,
	)
	if err != nil {
		return externalref.Ref{}, fmt.Errorf("update external reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return externalref.Ref{}, externalref.ErrNotFound
	}
	return r.Get(ctx, ref.ExternalSystem(), ref.EntityType(), ref.ExternalID())
}

func scanExternalRef(row pgx.Row) (externalref.Ref, error) {
	var (
		id             int64
		entityType     string
		entityID       int64
		externalSystem string
		externalID     string
		deactivatedAt  *time.Time
		reason         *string
		metadataRaw    []byte
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(
		&id,
		&entityType,
		&entityID,
		&externalSystem,
		&externalID,
		&deactivatedAt,
		&reason,
		&metadataRaw,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return externalref.Ref{}, externalref.ErrNotFound
		}
		return externalref.Ref{}, err
	}

	var metadata externalref.Metadata
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
			return externalref.Ref{}, fmt.Errorf("decode reference metadata: %w", err)
		}
	}
	var deactivation *externalref.Deactivation
	if deactivatedAt != nil {
		d := externalref.Deactivation{At: *deactivatedAt}
		if reason != nil {
			d.Reason = *reason
		}
		deactivation = &d
	}

	return externalref.Hydrate(
		id,
		externalref.EntityType(entityType),
		entityID,
		externalSystem,
		externalID,
		deactivation,
		metadata,
		createdAt,
		updatedAt,
	), nil
}
