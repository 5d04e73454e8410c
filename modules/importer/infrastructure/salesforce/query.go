package salesforce

import (
	"fmt"
	"strings"
	"time"
)

// FormatModstamp renders a timestamp the way SOQL datetime literals expect:
// millisecond UTC precision with a trailing Z.
func FormatModstamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// BuildQuery assembles a SOQL query from a field list, an optional
// exclusive modified-since lower bound, entity-specific filter predicates
// and an optional row limit.
func BuildQuery(object string, fields []string, modifiedSince *time.Time, filters []string, limit int) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(fields, ", "))
	b.WriteString(" FROM ")
	b.WriteString(object)

	conditions := make([]string, 0, len(filters)+1)
	if modifiedSince != nil {
		conditions = append(conditions, fmt.Sprintf("SystemModstamp > %s", FormatModstamp(*modifiedSince)))
	}
	conditions = append(conditions, filters...)

	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY SystemModstamp ASC")
	if limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	return b.String()
}

// Field lists mirror the source columns of the mapping documents under
// config/mappings; filter-only fields stay out of the SELECT.
var contactFields = []string{
	"Id", "FirstName", "LastName", "Email", "npe01__AlternateEmail__c",
	"Phone", "MobilePhone", "Birthdate", "Racial_Ethnic_Identity__c",
	"Education_Level__c", "Age_Group__c", "Languages__c", "HasOptedOutOfEmail",
	"SystemModstamp", "LastModifiedDate", "IsDeleted",
}

// ContactQuery includes contacts whose type is Volunteer or has no value.
// Empty string and null are deliberately treated as the same "no value"
// state; picklist semantics upstream make the two interchangeable.
func ContactQuery(modifiedSince *time.Time, limit int) string {
	return BuildQuery("Contact", contactFields, modifiedSince, []string{
		"(Contact_Type__c = 'Volunteer' OR Contact_Type__c = '' OR Contact_Type__c = null)",
	}, limit)
}

var accountFields = []string{
	"Id", "Name", "Type", "Description", "BillingCity", "SystemModstamp", "LastModifiedDate", "IsDeleted",
}

// AccountQuery excludes the per-contact household accounts the source
// system auto-creates; only real organizations are synchronized.
func AccountQuery(modifiedSince *time.Time, limit int) string {
	return BuildQuery("Account", accountFields, modifiedSince, []string{
		"(Type = null OR Type != 'Household')",
	}, limit)
}

var affiliationFields = []string{
	"Id", "npe5__Contact__c", "npe5__Organization__c", "npe5__Role__c", "npe5__Status__c",
	"npe5__Primary__c", "npe5__StartDate__c", "npe5__EndDate__c",
	"SystemModstamp", "LastModifiedDate", "IsDeleted",
}

func AffiliationQuery(modifiedSince *time.Time, limit int) string {
	return BuildQuery("npe5__Affiliation__c", affiliationFields, modifiedSince, nil, limit)
}
