package clean

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

var ErrNotFound = errors.New("clean record not found")

type Repository interface {
	Create(ctx context.Context, record Record) (Record, error)
	ListByRun(ctx context.Context, entity staging.Entity, runID uuid.UUID) ([]Record, error)
	// ExistsForStaging guards promotion idempotency: re-running promotion for
	// a run never double-inserts.
	ExistsForStaging(ctx context.Context, entity staging.Entity, runID uuid.UUID, stagingID int64) (bool, error)
	SetLoadResult(ctx context.Context, entity staging.Entity, id int64, action LoadAction, coreID *int64) error
}
