package model

import "strings"

// MergeTag adds value to a separator-joined tag set. Membership is
// case-insensitive and matched on element boundaries, so "Arts" is not
// considered present in "Liberal Arts, Law". The existing casing and order are
// kept; a new value is appended at the end.
func MergeTag(existing, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return existing
	}
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return value
	}
	if HasTag(existing, value) {
		return existing
	}
	return existing + TagSeparator + value
}

// HasTag reports whether value is an element of the tag set.
//
// The set is plain text, so a value that itself contains TagSeparator cannot
// be told apart from its components: "Agriculture" counts as present in a set
// holding "Agriculture, Forestry and Fishery". Site vocabularies where one
// value is a separator-bounded piece of another will under-tag the shorter
// value.
func HasTag(set, value string) bool {
	set = strings.ToLower(strings.TrimSpace(set))
	value = strings.ToLower(strings.TrimSpace(value))
	if set == "" || value == "" {
		return false
	}
	if set == value {
		return true
	}
	sep := TagSeparator
	return strings.HasPrefix(set, value+sep) ||
		strings.HasSuffix(set, sep+value) ||
		strings.Contains(set, sep+value+sep)
}
