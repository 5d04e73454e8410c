package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
)

// stagingTable maps an entity to its staging table. Unknown entities are a
// programming error, surfaced loudly.
func stagingTable(entity staging.Entity) (string, error) {
	switch entity {
	case staging.EntityVolunteer:
		return "staging_volunteers", nil
	case staging.EntityOrganization:
		return "staging_organizations", nil
	case staging.EntityAffiliation:
		return "staging_affiliations", nil
	default:
		return "", fmt.Errorf("no staging table for entity %q", entity)
	}
}

func cleanTable(entity staging.Entity) (string, error) {
	switch entity {
	case staging.EntityVolunteer:
		return "clean_volunteers", nil
	case staging.EntityOrganization:
		return "clean_organizations", nil
	case staging.EntityAffiliation:
		return "clean_affiliations", nil
	default:
		return "", fmt.Errorf("no clean table for entity %q", entity)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
