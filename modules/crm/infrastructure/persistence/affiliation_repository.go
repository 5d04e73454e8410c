package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/affiliation"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

const affiliationColumns = `
	id, volunteer_id, organization_id, role, status, is_primary,
	start_date, end_date, created_at, updated_at`

type AffiliationRepository struct{}

func NewAffiliationRepository() affiliation.Repository {
	return &AffiliationRepository{}
}

func (r *AffiliationRepository) GetByID(ctx context.Context, id int64) (affiliation.Affiliation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return affiliation.Affiliation{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+affiliationColumns+`
		FROM affiliations
		WHERE id = $1`,
		id,
	)
	return scanAffiliation(row)
}

func (r *AffiliationRepository) Create(ctx context.Context, a affiliation.Affiliation) (affiliation.Affiliation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return affiliation.Affiliation{}, err
	}

	var id int64
	var createdAt, updatedAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO affiliations (
			volunteer_id, organization_id, role, status, is_primary,
			start_date, end_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		a.VolunteerID(),
		a.OrganizationID(),
		a.Role(),
		a.Status(),
		a.IsPrimary(),
		a.StartDate(),
		a.EndDate(),
	).Scan(&id, &createdAt, &updatedAt); err != nil {
		return affiliation.Affiliation{}, fmt.Errorf("create affiliation: %w", err)
	}

	return affiliation.Hydrate(
		id,
		a.VolunteerID(),
		a.OrganizationID(),
		a.Role(),
		a.Status(),
		a.IsPrimary(),
		a.StartDate(),
		a.EndDate(),
		createdAt,
		updatedAt,
	), nil
}

func (r *AffiliationRepository) Update(ctx context.Context, a affiliation.Affiliation) (affiliation.Affiliation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return affiliation.Affiliation{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE affiliations
		SET role = $2,
			status = $3,
			is_primary = $4,
			start_date = $5,
			end_date = $6,
			updated_at = now()
		WHERE id = $1`,
		a.ID(),
		a.Role(),
		a.Status(),
		a.IsPrimary(),
		a.StartDate(),
		a.EndDate(),
	)
	if err != nil {
		return affiliation.Affiliation{}, fmt.Errorf("update affiliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return affiliation.Affiliation{}, affiliation.ErrNotFound
	}
	return r.GetByID(ctx, a.ID())
}

func (r *AffiliationRepository) DemoteSiblings(ctx context.Context, volunteerID, exceptID int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE affiliations
		SET is_primary = FALSE, updated_at = now()
		WHERE volunteer_id = $1 AND id <> $2 AND is_primary`,
		volunteerID, exceptID,
	); err != nil {
		return fmt.Errorf("demote sibling affiliations: %w", err)
	}
	return nil
}

func scanAffiliation(row pgx.Row) (affiliation.Affiliation, error) {
	var (
		id             int64
		volunteerID    int64
		organizationID int64
		role           string
		status         string
		isPrimary      bool
		startDate      *time.Time
		endDate        *time.Time
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(
		&id,
		&volunteerID,
		&organizationID,
		&role,
		&status,
		&isPrimary,
		&startDate,
		&endDate,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return affiliation.Affiliation{}, affiliation.ErrNotFound
		}
		return affiliation.Affiliation{}, err
	}
	return affiliation.Hydrate(id, volunteerID, organizationID, role, status, isPrimary, startDate, endDate, createdAt, updatedAt), nil
}
