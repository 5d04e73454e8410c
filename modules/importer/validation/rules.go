package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/staging"
	"github.com/iota-uz/vms-importer/modules/importer/domain/aggregates/violation"
)

// Failure is one rule failure against one record payload.
type Failure struct {
	RuleCode string
	Severity violation.Severity
	Message  string
	Details  map[string]any
}

// Rule checks one aspect of a normalized payload. Rules must be pure:
// remediation re-runs them against edited payloads.
type Rule struct {
	Code     string
	Severity violation.Severity
	Check    func(payload map[string]any) *Failure
}

// RulesFor returns the rule set for an entity. The same set gates staging
// promotion and single-record remediation, so a fix can never pass weaker
// checks than the original load.
func RulesFor(entity staging.Entity) []Rule {
	switch entity {
	case staging.EntityVolunteer:
		return []Rule{requireField("DQ001", "external_id"), validEmail("DQ010"), requireField("DQ002", "last_name")}
	case staging.EntityOrganization:
		return []Rule{requireField("DQ001", "external_id"), requireField("DQ003", "name")}
	case staging.EntityAffiliation:
		return []Rule{
			requireField("DQ001", "external_id"),
			requireField("DQ004", "contact_external_id"),
			requireField("DQ005", "organization_external_id"),
			validDate("DQ011", "start_date"),
			validDate("DQ011", "end_date"),
		}
	default:
		return []Rule{requireField("DQ001", "external_id")}
	}
}

// Validate runs every rule; it never short-circuits so operators see the
// full set of problems at once.
func Validate(entity staging.Entity, payload map[string]any) []Failure {
	var failures []Failure
	for _, rule := range RulesFor(entity) {
		if f := rule.Check(payload); f != nil {
			f.RuleCode = rule.Code
			f.Severity = rule.Severity
			failures = append(failures, *f)
		}
	}
	return failures
}

// HasErrors reports whether any failure is at error severity; warnings do
// not quarantine a row.
func HasErrors(failures []Failure) bool {
	for _, f := range failures {
		if f.Severity == violation.SeverityError {
			return true
		}
	}
	return false
}

func requireField(code, field string) Rule {
	return Rule{
		Code:     code,
		Severity: violation.SeverityError,
		Check: func(payload map[string]any) *Failure {
			if strings.TrimSpace(stringAt(payload, field)) == "" {
				return &Failure{
					Message: fmt.Sprintf("required field %s is missing", field),
					Details: map[string]any{"field": field},
				}
			}
			return nil
		},
	}
}

func validEmail(code string) Rule {
	return Rule{
		Code:     code,
		Severity: violation.SeverityError,
		Check: func(payload map[string]any) *Failure {
			v := strings.TrimSpace(stringAt(payload, "email.primary"))
			if v == "" {
				v = strings.TrimSpace(stringAt(payload, "email"))
			}
			if v == "" {
				return nil
			}
			if _, err := mail.ParseAddress(v); err != nil {
				return &Failure{
					Message: fmt.Sprintf("invalid email address %q", v),
					Details: map[string]any{"field": "email", "value": v},
				}
			}
			return nil
		},
	}
}

func validDate(code, field string) Rule {
	return Rule{
		Code:     code,
		Severity: violation.SeverityWarning,
		Check: func(payload map[string]any) *Failure {
			v := strings.TrimSpace(stringAt(payload, field))
			if v == "" {
				return nil
			}
			if _, err := time.Parse("2006-01-02", v); err != nil {
				return &Failure{
					Message: fmt.Sprintf("field %s has unparsable date %q", field, v),
					Details: map[string]any{"field": field, "value": v},
				}
			}
			return nil
		},
	}
}

// stringAt reads a dot-path out of a nested payload.
func stringAt(payload map[string]any, path string) string {
	parts := strings.Split(path, ".")
	var node any = payload
	for _, p := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = m[p]
	}
	if s, ok := node.(string); ok {
		return s
	}
	return ""
}
