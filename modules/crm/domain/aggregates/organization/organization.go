package organization

import (
	"strings"
	"time"
)

type Organization struct {
	id          int64
	name        string
	slug        string
	description string
	orgType     string
	active      bool
	createdAt   time.Time
	updatedAt   time.Time
}

func New(name, slug, description, orgType string) Organization {
	return Organization{
		name:        strings.TrimSpace(name),
		slug:        slug,
		description: description,
		orgType:     orgType,
		active:      true,
	}
}

func Hydrate(id int64, name, slug, description, orgType string, active bool, createdAt, updatedAt time.Time) Organization {
	return Organization{
		id:          id,
		name:        name,
		slug:        slug,
		description: description,
		orgType:     orgType,
		active:      active,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

func (o Organization) ID() int64            { return o.id }
func (o Organization) Name() string         { return o.name }
func (o Organization) Slug() string         { return o.slug }
func (o Organization) Description() string  { return o.description }
func (o Organization) Type() string         { return o.orgType }
func (o Organization) Active() bool         { return o.active }
func (o Organization) CreatedAt() time.Time { return o.createdAt }
func (o Organization) UpdatedAt() time.Time { return o.updatedAt }

func (o Organization) WithFields(name, description, orgType string) Organization {
	o.name = strings.TrimSpace(name)
	o.description = description
	o.orgType = orgType
	return o
}

// WithProvenanceNote appends a note to the description, used when an
// incoming external record is merged into an existing organization instead
// of creating a duplicate.
func (o Organization) WithProvenanceNote(note string) Organization {
	if strings.TrimSpace(o.description) == "" {
		o.description = note
	} else {
		o.description = o.description + "\n" + note
	}
	return o
}
