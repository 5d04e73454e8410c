package externalref

import (
	"context"

	"github.com/go-faster/errors"
)

var (
	ErrNotFound  = errors.New("external reference not found")
	ErrDuplicate = errors.New("external reference already exists")
)

type Repository interface {
	// GetForUpdate locks the row for the duration of the enclosing
	// transaction, serializing concurrent loader runs against the same
	// external record.
	GetForUpdate(ctx context.Context, system string, entityType EntityType, externalID string) (Ref, error)
	Get(ctx context.Context, system string, entityType EntityType, externalID string) (Ref, error)
	Create(ctx context.Context, ref Ref) (Ref, error)
	Update(ctx context.Context, ref Ref) (Ref, error)
}
