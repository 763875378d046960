package model

import (
	"strings"

	"golang.org/x/text/cases"
)

// Column names of the checkpoint table. Base columns come from the listing
// pages; tag columns accumulate values across the dimension traversal.
const (
	ColPrimary         = "Program Level"
	ColAreaTags        = "Area of Study"
	ColRequirementTags = "Special Requirements"
	ColTitle           = "Course"
	ColURL             = "Course URL"
	ColOrganization    = "University"
	ColDuration        = "Duration"
	ColOpenIntakes     = "Open Semesters"
	ColClosedIntakes   = "Closed Semesters"
	ColSpeciality      = "Speciality"
	ColRankings        = "Rankings"
	ColTuitionFee      = "Yearly Tuition Fee"
	ColApplicationFee  = "Application Fee"

	// ColEnriched is the terminal sentinel column. It is always kept last so
	// that a row written with the marker is known to carry its detail fields.
	ColEnriched = "More Info"
)

const (
	// NotFound is written for a field that could not be read from the page.
	NotFound = "Not found"
	// EnrichedYes marks a record whose detail page has been processed.
	EnrichedYes = "yes"
	// TagSeparator joins the values of a tag column.
	TagSeparator = ", "
)

// BaseColumns is the column order used when a checkpoint is created from scratch.
var BaseColumns = []string{
	ColPrimary,
	ColAreaTags,
	ColRequirementTags,
	ColTitle,
	ColURL,
	ColOrganization,
	ColDuration,
	ColOpenIntakes,
	ColClosedIntakes,
	ColSpeciality,
	ColRankings,
	ColTuitionFee,
	ColApplicationFee,
}

// StandardEnrichmentColumns are the detail fields every detail page is
// expected to carry. They are seeded ahead of the marker so that common
// fields never force a full checkpoint rewrite.
var StandardEnrichmentColumns = []string{
	"State",
	"College URL",
	"College Logo",
	"University Course URL",
	"Campus",
	"Entry Requirements",
	"Remarks",
	"Standardized Test Requirements",
	"Application Deadline",
	"Last Updated Date",
}

// TagColumns lists the columns merged as sets rather than overwritten.
var TagColumns = []string{ColPrimary, ColAreaTags, ColRequirementTags}

var folder = cases.Fold()

// Key identifies a record across runs: (title, organization), trimmed and
// case-folded.
type Key struct {
	Title        string
	Organization string
}

// NewKey builds a normalized key.
func NewKey(title, organization string) Key {
	return Key{
		Title:        fold(title),
		Organization: fold(organization),
	}
}

// IsZero reports whether the key has no title.
func (k Key) IsZero() bool {
	return k.Title == ""
}

func (k Key) String() string {
	return k.Title + " @ " + k.Organization
}

func fold(s string) string {
	return folder.String(strings.Join(strings.Fields(s), " "))
}

// Record is one harvested catalog entry. Fields maps column name to value.
type Record struct {
	Fields map[string]string
}

// NewRecord returns a record holding a copy of fields.
func NewRecord(fields map[string]string) *Record {
	r := &Record{Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

// Key derives the record key from the title and organization columns.
func (r *Record) Key() Key {
	return NewKey(r.Fields[ColTitle], r.Fields[ColOrganization])
}

// Get returns the value of a column, or "" if absent.
func (r *Record) Get(col string) string {
	return r.Fields[col]
}

// Enriched reports whether the terminal marker is set.
func (r *Record) Enriched() bool {
	return strings.EqualFold(strings.TrimSpace(r.Fields[ColEnriched]), EnrichedYes)
}

// DetailURL returns the record URL if it is usable for a detail fetch.
func (r *Record) DetailURL() (string, bool) {
	u := strings.TrimSpace(r.Fields[ColURL])
	if u == "" || u == NotFound {
		return "", false
	}
	return u, true
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	return NewRecord(r.Fields)
}

// Row renders the record under the given column order; missing columns are empty.
func (r *Record) Row(columns []string) []string {
	row := make([]string, len(columns))
	for i, c := range columns {
		row[i] = r.Fields[c]
	}
	return row
}
