package mapping

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Func converts one raw source value. A nil result with no error means the
// transform could not classify the value; the transformer then falls back
// to the stripped original rather than dropping data.
type Func func(value string) (any, error)

// ResolveTransform maps a transform name from the mapping document to its
// implementation. New transforms are added here, not discovered at runtime.
func ResolveTransform(name string) (Func, bool) {
	switch name {
	case "phone":
		return transformPhone, true
	case "date":
		return transformDate, true
	case "datetime":
		return transformDatetime, true
	case "semicolon_list":
		return transformSemicolonList, true
	case "race_ethnicity":
		return enumTransform(raceEthnicityEnum, ""), true
	case "education_level":
		return enumTransform(educationLevelEnum, ""), true
	case "age_group":
		return enumTransform(ageGroupEnum, ""), true
	case "organization_type":
		return enumTransform(organizationTypeEnum, "Other"), true
	case "session_type":
		return enumTransform(sessionTypeEnum, ""), true
	case "session_status":
		return enumTransform(sessionStatusEnum, ""), true
	case "event_format":
		return enumTransform(eventFormatEnum, "In-Person"), true
	case "cancellation_reason":
		return enumTransform(cancellationReasonEnum, ""), true
	default:
		return nil, false
	}
}

func transformPhone(value string) (any, error) {
	var digits []rune
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	switch len(digits) {
	case 0:
		return nil, nil
	case 10:
		return fmt.Sprintf("(%s) %s-%s", string(digits[0:3]), string(digits[3:6]), string(digits[6:10])), nil
	case 11:
		if digits[0] == '1' {
			return fmt.Sprintf("(%s) %s-%s", string(digits[1:4]), string(digits[4:7]), string(digits[7:11])), nil
		}
	}
	return nil, fmt.Errorf("unrecognized phone number %q", value)
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
}

func transformDate(value string) (any, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, fmt.Errorf("unparsable date %q", value)
}

var datetimeLayouts = []string{
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func transformDatetime(value string) (any, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, nil
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, fmt.Errorf("unparsable datetime %q", value)
}

func transformSemicolonList(value string) (any, error) {
	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// enumSpec pairs a canonical value with the lowercase aliases and substrings
// that map onto it. Matching is first exact-alias, then substring, in
// declaration order.
type enumSpec struct {
	canonical string
	aliases   []string
}

// enumTransform builds a fuzzy, case-insensitive normalizer against a
// canonical enum. An empty fallback yields nil on no match.
func enumTransform(enum []enumSpec, fallback string) Func {
	return func(value string) (any, error) {
		v := strings.ToLower(strings.TrimSpace(value))
		if v == "" {
			return nil, nil
		}
		for _, e := range enum {
			for _, a := range e.aliases {
				if v == a {
					return e.canonical, nil
				}
			}
		}
		for _, e := range enum {
			for _, a := range e.aliases {
				if strings.Contains(v, a) {
					return e.canonical, nil
				}
			}
		}
		if fallback == "" {
			return nil, nil
		}
		return fallback, nil
	}
}

var raceEthnicityEnum = []enumSpec{
	{canonical: "American Indian or Alaska Native", aliases: []string{"american indian", "alaska native", "native american"}},
	{canonical: "Asian", aliases: []string{"asian"}},
	{canonical: "Black or African American", aliases: []string{"black", "african american"}},
	{canonical: "Hispanic or Latino", aliases: []string{"hispanic", "latino", "latina", "latinx"}},
	{canonical: "Native Hawaiian or Other Pacific Islander", aliases: []string{"hawaiian", "pacific islander"}},
	{canonical: "White", aliases: []string{"white", "caucasian"}},
	{canonical: "Two or More Races", aliases: []string{"two or more", "multiracial", "multi-racial", "biracial"}},
	{canonical: "Prefer Not to Say", aliases: []string{"prefer not", "declined", "decline"}},
}

var educationLevelEnum = []enumSpec{
	{canonical: "High School", aliases: []string{"high school", "hs diploma", "ged"}},
	{canonical: "Some College", aliases: []string{"some college"}},
	{canonical: "Associate's Degree", aliases: []string{"associate"}},
	{canonical: "Bachelor's Degree", aliases: []string{"bachelor", "ba", "bs", "undergraduate degree"}},
	{canonical: "Master's Degree", aliases: []string{"master", "mba", "graduate degree"}},
	{canonical: "Doctorate", aliases: []string{"doctor", "phd", "md", "jd"}},
}

var ageGroupEnum = []enumSpec{
	{canonical: "Under 18", aliases: []string{"under 18", "minor", "<18"}},
	{canonical: "18-24", aliases: []string{"18-24", "18 to 24"}},
	{canonical: "25-34", aliases: []string{"25-34", "25 to 34"}},
	{canonical: "35-44", aliases: []string{"35-44", "35 to 44"}},
	{canonical: "45-54", aliases: []string{"45-54", "45 to 54"}},
	{canonical: "55-64", aliases: []string{"55-64", "55 to 64"}},
	{canonical: "65+", aliases: []string{"65+", "65 and over", "over 65"}},
}

var organizationTypeEnum = []enumSpec{
	{canonical: "Business", aliases: []string{"business", "corporate", "company", "employer"}},
	{canonical: "Nonprofit", aliases: []string{"nonprofit", "non-profit", "501"}},
	{canonical: "School", aliases: []string{"school", "district", "university", "college"}},
	{canonical: "Government", aliases: []string{"government", "city of", "county", "municipal"}},
	{canonical: "Faith-Based", aliases: []string{"faith", "church", "temple", "mosque", "synagogue"}},
}

var sessionTypeEnum = []enumSpec{
	{canonical: "Career Fair", aliases: []string{"career fair", "career day"}},
	{canonical: "Classroom Speaker", aliases: []string{"classroom speaker", "speaker", "presentation"}},
	{canonical: "Mock Interview", aliases: []string{"mock interview", "interview practice"}},
	{canonical: "Mentoring", aliases: []string{"mentor"}},
	{canonical: "Workplace Visit", aliases: []string{"workplace visit", "site visit", "field trip"}},
}

var sessionStatusEnum = []enumSpec{
	{canonical: "Requested", aliases: []string{"requested", "request"}},
	{canonical: "Confirmed", aliases: []string{"confirmed", "scheduled"}},
	{canonical: "Completed", aliases: []string{"completed", "complete", "done"}},
	{canonical: "Cancelled", aliases: []string{"cancelled", "canceled"}},
	{canonical: "No Show", aliases: []string{"no show", "no-show", "noshow"}},
}

var eventFormatEnum = []enumSpec{
	{canonical: "In-Person", aliases: []string{"in-person", "in person", "onsite", "on-site"}},
	{canonical: "Virtual", aliases: []string{"virtual", "remote", "online", "zoom"}},
	{canonical: "Hybrid", aliases: []string{"hybrid"}},
}

var cancellationReasonEnum = []enumSpec{
	{canonical: "Weather", aliases: []string{"weather", "snow", "storm"}},
	{canonical: "Illness", aliases: []string{"illness", "sick", "covid"}},
	{canonical: "Scheduling Conflict", aliases: []string{"conflict", "schedule", "reschedul"}},
	{canonical: "Low Enrollment", aliases: []string{"low enrollment", "attendance", "not enough"}},
	{canonical: "Other", aliases: []string{"other"}},
}
