package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/vms-importer/modules/crm/domain/aggregates/volunteer"
	"github.com/iota-uz/vms-importer/pkg/composables"
)

type VolunteerRepository struct{}

func NewVolunteerRepository() volunteer.Repository {
	return &VolunteerRepository{}
}

func (r *VolunteerRepository) GetByID(ctx context.Context, id int64) (volunteer.Volunteer, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return volunteer.Volunteer{}, err
	}

	var (
		firstName string
		lastName  string
		email     string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := tx.QueryRow(ctx, `
		SELECT first_name, last_name, email, created_at, updated_at
		FROM volunteers
		WHERE id = $1`,
		id,
	).Scan(&firstName, &lastName, &email, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return volunteer.Volunteer{}, volunteer.ErrNotFound
		}
		return volunteer.Volunteer{}, err
	}
	return volunteer.Hydrate(id, firstName, lastName, email, createdAt, updatedAt), nil
}

func (r *VolunteerRepository) ExistsByID(ctx context.Context, id int64) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM volunteers WHERE id = $1)`,
		id,
	).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
