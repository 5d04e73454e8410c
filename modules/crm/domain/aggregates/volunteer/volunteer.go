package volunteer

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var ErrNotFound = errors.New("volunteer not found")

// Volunteer is owned by the host CRM; the importer only resolves ids
// against it when wiring affiliations.
type Volunteer struct {
	id        int64
	firstName string
	lastName  string
	email     string
	createdAt time.Time
	updatedAt time.Time
}

func Hydrate(id int64, firstName, lastName, email string, createdAt, updatedAt time.Time) Volunteer {
	return Volunteer{
		id:        id,
		firstName: firstName,
		lastName:  lastName,
		email:     email,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
}

func (v Volunteer) ID() int64            { return v.id }
func (v Volunteer) FirstName() string    { return v.firstName }
func (v Volunteer) LastName() string     { return v.lastName }
func (v Volunteer) Email() string        { return v.email }
func (v Volunteer) CreatedAt() time.Time { return v.createdAt }
func (v Volunteer) UpdatedAt() time.Time { return v.updatedAt }

type Repository interface {
	GetByID(ctx context.Context, id int64) (Volunteer, error)
	ExistsByID(ctx context.Context, id int64) (bool, error)
}
