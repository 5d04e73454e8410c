package violation

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

var ErrNotFound = errors.New("violation not found")

type FindParams struct {
	RunID    uuid.UUID
	Entity   staging.Entity
	RuleCode string
	Severity Severity
	Status   Status
	Limit    int
	Offset   int
}

type Stats struct {
	Total      int64
	ByRuleCode map[string]int64
	BySeverity map[string]int64
}

// RemediationStats aggregates remediation attempts over a trailing window.
type RemediationStats struct {
	Attempts  int64
	Successes int64
	Failures  int64
	ByRule    map[string]int64
}

type Repository interface {
	CreateBatch(ctx context.Context, violations []Violation) ([]Violation, error)
	GetByID(ctx context.Context, id int64) (Violation, error)
	Update(ctx context.Context, v Violation) (Violation, error)
	List(ctx context.Context, params FindParams) ([]Violation, int64, error)
	GetStats(ctx context.Context, params FindParams) (Stats, error)
	GetRemediationStats(ctx context.Context, since time.Time) (RemediationStats, error)
}
