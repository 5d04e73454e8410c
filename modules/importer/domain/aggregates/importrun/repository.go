package importrun

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("import run not found")

type Repository interface {
	Create(ctx context.Context, run Run) (Run, error)
	Update(ctx context.Context, run Run) (Run, error)
	GetByID(ctx context.Context, id uuid.UUID) (Run, error)
	// ListStale returns runs still marked running whose last update is older
	// than the cutoff. Used by the stale-run detector; no automatic takeover.
	ListStale(ctx context.Context, olderThan time.Time) ([]Run, error)
}
