package affiliation

import (
	"context"

	"github.com/go-faster/errors"
)

var ErrNotFound = errors.New("affiliation not found")

type Repository interface {
	GetByID(ctx context.Context, id int64) (Affiliation, error)
	Create(ctx context.Context, a Affiliation) (Affiliation, error)
	Update(ctx context.Context, a Affiliation) (Affiliation, error)
	// DemoteSiblings clears is_primary on every other affiliation of the
	// volunteer, enforcing the single-primary invariant in one statement.
	DemoteSiblings(ctx context.Context, volunteerID, exceptID int64) error
}
