package staging

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("staging record not found")

type Repository interface {
	CreateBatch(ctx context.Context, entity Entity, records []Record) ([]Record, error)
	GetByID(ctx context.Context, entity Entity, id int64) (Record, error)
	ListByRun(ctx context.Context, entity Entity, runID uuid.UUID) ([]Record, error)
	ListByRunAndStatus(ctx context.Context, entity Entity, runID uuid.UUID, status Status) ([]Record, error)
	UpdateStatus(ctx context.Context, entity Entity, id int64, status Status) error
	// MaxModstampForRun covers every staging row of the run regardless of
	// status, so quarantined rows still move the loader-side watermark.
	MaxModstampForRun(ctx context.Context, entity Entity, runID uuid.UUID) (*time.Time, error)
}
