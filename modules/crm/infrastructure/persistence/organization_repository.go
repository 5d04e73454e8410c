package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/organization"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const organizationColumns = `id, name, slug, description, org_type, active, created_at, updated_at`

type OrganizationRepository struct{}

func NewOrganizationRepository() organization.Repository {
	return &OrganizationRepository{}
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id int64) (organization.Organization, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return organization.Organization{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE id = $1`,
		id,
	)
	return scanOrganization(row)
}

func (r *OrganizationRepository) FindByNameFold(ctx context.Context, name string) (organization.Organization, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return organization.Organization{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE LOWER(name) = LOWER($1)
		ORDER BY id ASC
		LIMIT 1`,
		strings.TrimSpace(name),
	)
	return scanOrganization(row)
}

func (r *OrganizationRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM organizations WHERE slug = $1)`,
		slug,
	).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *OrganizationRepository) Create(ctx context.Context, o organization.Organization) (organization.Organization, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return organization.Organization{}, err
	}

	var id int64
	var createdAt, updatedAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO organizations (name, slug, description, org_type, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		o.Name(),
		o.Slug(),
		o.Description(),
		o.Type(),
		o.Active(),
	).Scan(&id, &createdAt, &updatedAt); err != nil {
		return organization.Organization{}, fmt.Errorf("create organization: %w", err)
	}

	return organization.Hydrate(id, o.Name(), o.Slug(), o.Description(), o.Type(), o.Active(), createdAt, updatedAt), nil
}

func (r *OrganizationRepository) Update(ctx context.Context, o organization.Organization) (organization.Organization, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return organization.Organization{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE organizations
		SET name = $2,
			description = $3,
			org_type = $4,
			active = $5,
			updated_at = now()
		WHERE id = $1`,
		o.ID(),
		o.Name(),
		o.Description(),
		o.Type(),
		o.Active(),
	)
	if err != nil {
		return organization.Organization{}, fmt.Errorf("update organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return organization.Organization{}, organization.ErrNotFound
	}
	return r.GetByID(ctx, o.ID())
}

func scanOrganization(row pgx.Row) (organization.Organization, error) {
	var (
		id          int64
		name        string
		slug        string
		description string
		orgType     string
		active      bool
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(&id, &name, &slug, &description, &orgType, &active, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return organization.Organization{}, organization.ErrNotFound
		}
		return organization.Organization{}, err
	}
	return organization.Hydrate(id, name, slug, description, orgType, active, createdAt, updatedAt), nil
}
