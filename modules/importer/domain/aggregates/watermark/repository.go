package watermark

import (
	"context"

	"github.com/go-faster/errors"
)

var ErrNotFound = errors.New("watermark not found")

type Repository interface {
	Get(ctx context.Context, adapter, object string) (Watermark, error)
	// GetForUpdate locks the watermark row for the duration of the enclosing
	// transaction, serializing concurrent advances for the same pair. The row
	// is created on first use.
	GetForUpdate(ctx context.Context, adapter, object string) (Watermark, error)
	Save(ctx context.Context, w Watermark) (Watermark, error)
}
