package organization

import (
	"context"

	"github.com/go-faster/errors"
)

var ErrNotFound = errors.New("organization not found")

type Repository interface {
	GetByID(ctx context.Context, id int64) (Organization, error)
	// FindByNameFold matches on case-insensitive identical name, used by the
	// loader's duplicate-name merge path.
	FindByNameFold(ctx context.Context, name string) (Organization, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	Create(ctx context.Context, o Organization) (Organization, error)
	Update(ctx context.Context, o Organization) (Organization, error)
}
