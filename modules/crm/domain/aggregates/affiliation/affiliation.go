package affiliation

import (
	"time"
)

const StatusCurrent = "Current"

// Affiliation links one volunteer to one organization. At most one
// affiliation per volunteer may be primary; the loader demotes siblings in
// the same transaction when a row newly becomes primary.
type Affiliation struct {
	id             int64
	volunteerID    int64
	organizationID int64
	role           string
	status         string
	isPrimary      bool
	startDate      *time.Time
	endDate        *time.Time
	createdAt      time.Time
	updatedAt      time.Time
}

func New(volunteerID, organizationID int64, role, status string, isPrimary bool, startDate, endDate *time.Time) Affiliation {
	return Affiliation{
		volunteerID:    volunteerID,
		organizationID: organizationID,
		role:           role,
		status:         status,
		isPrimary:      isPrimary,
		startDate:      startDate,
		endDate:        endDate,
	}
}

func Hydrate(
	id int64,
	volunteerID, organizationID int64,
	role, status string,
	isPrimary bool,
	startDate, endDate *time.Time,
	createdAt, updatedAt time.Time,
) Affiliation {
	return Affiliation{
		id:             id,
		volunteerID:    volunteerID,
		organizationID: organizationID,
		role:           role,
		status:         status,
		isPrimary:      isPrimary,
		startDate:      startDate,
		endDate:        endDate,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
	}
}

func (a Affiliation) ID() int64             { return a.id }
func (a Affiliation) VolunteerID() int64    { return a.volunteerID }
func (a Affiliation) OrganizationID() int64 { return a.organizationID }
func (a Affiliation) Role() string          { return a.role }
func (a Affiliation) Status() string        { return a.status }
func (a Affiliation) IsPrimary() bool       { return a.isPrimary }
func (a Affiliation) StartDate() *time.Time { return a.startDate }
func (a Affiliation) EndDate() *time.Time   { return a.endDate }
func (a Affiliation) CreatedAt() time.Time  { return a.createdAt }
func (a Affiliation) UpdatedAt() time.Time  { return a.updatedAt }

// WithFields applies the mutable fields the loader reconciles. Transitioning
// status away from Current without an explicit end date stamps today.
func (a Affiliation) WithFields(role, status string, isPrimary bool, startDate, endDate *time.Time, today time.Time) Affiliation {
	if a.status == StatusCurrent && status != StatusCurrent && endDate == nil {
		d := today
		endDate = &d
	}
	a.role = role
	a.status = status
	a.isPrimary = isPrimary
	a.startDate = startDate
	a.endDate = endDate
	return a
}

// ClosedOut ends the affiliation without deleting it, used when the
// upstream record disappears.
func (a Affiliation) ClosedOut(endDate time.Time) Affiliation {
	d := endDate
	a.endDate = &d
	a.isPrimary = false
	return a
}
