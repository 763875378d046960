// Package profile describes a target catalog site: its filter dimensions, the
// controls that toggle them, and the selectors used to read listing and
// detail pages.
package profile

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-harvester/internal/model"
)

// Profile is the site description consumed by the browser driver and the
// traversal plan.
type Profile struct {
	Name       string            `yaml:"name"`
	StartURL   string            `yaml:"start_url"`
	Dimensions Dimensions        `yaml:"dimensions"`
	Filters    map[string]Filter `yaml:"filters"`
	Setup      []Step            `yaml:"setup"`
	Search     string            `yaml:"search"`
	Results    Results           `yaml:"results"`
	Listing    Listing           `yaml:"listing"`
	Detail     Detail            `yaml:"detail"`
	Login      Login             `yaml:"login"`
}

// Dimensions holds the three filter facets in traversal order.
type Dimensions struct {
	Primary   Dimension `yaml:"primary"`
	Secondary Dimension `yaml:"secondary"`
	Tertiary  Dimension `yaml:"tertiary"`
}

// All returns the dimensions that declare a name, in traversal order.
func (d Dimensions) All() []Dimension {
	var out []Dimension
	for _, dim := range []Dimension{d.Primary, d.Secondary, d.Tertiary} {
		if dim.Name != "" {
			out = append(out, dim)
		}
	}
	return out
}

// Dimension is one filter facet: the tag column it feeds and its ordered values.
type Dimension struct {
	Name   string   `yaml:"name"`
	Column string   `yaml:"column"`
	Values []string `yaml:"values"`
}

// Filter kinds.
const (
	FilterCheckbox  = "checkbox"
	FilterTypeahead = "typeahead"
)

// Filter locates the control that toggles one dimension value. Container is
// an XPath expression; the checkbox is found under a label whose normalized
// text equals the value. A typeahead filter first opens Toggle and types the
// value into Input to reveal the option.
type Filter struct {
	Kind      string `yaml:"kind"`
	Container string `yaml:"container"`
	Toggle    string `yaml:"toggle"`
	Input     string `yaml:"input"`
}

// Step is a fixed pre-filter action run once the search surface is open,
// such as choosing a country or intake year.
type Step struct {
	Action   string `yaml:"action"` // click, type, enter, wait, select
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
}

// Results describes the result summary and pagination controls.
type Results struct {
	Container     string `yaml:"container"`
	NoResultsText string `yaml:"no_results_text"`
	PagePattern   string `yaml:"page_pattern"`
	NextPage      string `yaml:"next_page"`
	Overlay       string `yaml:"overlay"`
}

// Listing describes how one result card maps to record fields.
type Listing struct {
	Item   string      `yaml:"item"`
	Fields []FieldRule `yaml:"fields"`
}

// FieldRule extracts one column. Selector is CSS relative to the item (or the
// document for detail pages). With Attr set the attribute of the first match
// is read, otherwise its text. Multiple joins every match after skipping Skip
// leading ones. Label matches the leaf element whose text contains it and
// takes the text after the label, or the next sibling's text.
type FieldRule struct {
	Column   string `yaml:"column"`
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr"`
	Multiple bool   `yaml:"multiple"`
	Skip     int    `yaml:"skip"`
	Label    string `yaml:"label"`
	Optional bool   `yaml:"optional"`
}

// Detail describes the per-record detail page.
type Detail struct {
	Ready    string      `yaml:"ready"`
	Fields   []FieldRule `yaml:"fields"`
	Sections []Section   `yaml:"sections"`
}

// Section is a list of label/value pairs. Mapped labels go to fixed columns;
// a Dynamic section turns every label into its own column.
type Section struct {
	Items   string         `yaml:"items"`
	Label   string         `yaml:"label"`
	Value   string         `yaml:"value"`
	Dynamic bool           `yaml:"dynamic"`
	Map     []LabelMapping `yaml:"map"`
}

// LabelMapping routes a label containing Match (case-insensitive) to Column.
type LabelMapping struct {
	Match  string `yaml:"match"`
	Column string `yaml:"column"`
	Attr   string `yaml:"attr"`
}

// Login holds the selectors of the login form. Credentials come from config.
type Login struct {
	URL      string `yaml:"url"`
	LoggedIn string `yaml:"logged_in"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Submit   string `yaml:"submit"`
}

// Load reads a profile from a YAML file. Dimensions the file leaves empty
// fall back to the defaults.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profile: read %s", path)
	}

	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, eris.Wrapf(err, "profile: parse %s", path)
	}

	def := Default()
	if p.Dimensions.Primary.Name == "" {
		p.Dimensions.Primary = def.Dimensions.Primary
	}
	if p.Dimensions.Secondary.Name == "" {
		p.Dimensions.Secondary = def.Dimensions.Secondary
	}
	if p.Dimensions.Tertiary.Name == "" {
		p.Dimensions.Tertiary = def.Dimensions.Tertiary
	}
	if p.Results.PagePattern == "" {
		p.Results.PagePattern = def.Results.PagePattern
	}
	if p.Results.NoResultsText == "" {
		p.Results.NoResultsText = def.Results.NoResultsText
	}
	return p, nil
}

// Encode renders the profile as YAML.
func (p *Profile) Encode() ([]byte, error) {
	out, err := yaml.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "profile: encode")
	}
	return out, nil
}

// Validate checks that every dimension has a tag column and unique values.
func (p *Profile) Validate() error {
	dims := p.Dimensions.All()
	if len(dims) == 0 {
		return eris.New("profile: no dimensions declared")
	}
	if p.Dimensions.Primary.Name == "" {
		return eris.New("profile: primary dimension is required")
	}
	for _, d := range dims {
		if d.Column == "" {
			return eris.Errorf("profile: dimension %q has no column", d.Name)
		}
		if len(d.Values) == 0 {
			return eris.Errorf("profile: dimension %q has no values", d.Name)
		}
		seen := make(map[string]struct{}, len(d.Values))
		for _, v := range d.Values {
			k := strings.ToLower(strings.TrimSpace(v))
			if k == "" {
				return eris.Errorf("profile: dimension %q has an empty value", d.Name)
			}
			if _, dup := seen[k]; dup {
				return eris.Errorf("profile: dimension %q lists %q twice", d.Name, v)
			}
			seen[k] = struct{}{}
		}
	}
	for name, f := range p.Filters {
		switch f.Kind {
		case "", FilterCheckbox, FilterTypeahead:
		default:
			return eris.Errorf("profile: filter %q has unknown kind %q", name, f.Kind)
		}
	}
	return nil
}

// Default returns the built-in dimension vocabularies with no site selectors.
func Default() *Profile {
	return &Profile{
		Name: "default",
		Dimensions: Dimensions{
			Primary: Dimension{
				Name:   "program_level",
				Column: model.ColPrimary,
				Values: []string{
					"High School (11th - 12th)",
					"UG Diploma/ Certificate/ Associate Degree",
					"UG",
					"PG Diploma/ Certificate",
					"PG",
					"UG + PG (Accelerated Degree)",
					"PhD",
					"Short-term/Summer Programs",
					"Pathway Programs (UG)",
					"Pathway Programs (PG)",
					"Semester Study Abroad",
					"Twinning Programs (UG)",
					"Twinning Programs (PG)",
					"English Language Program",
					"Online Programs / Distance Learning",
				},
			},
			Secondary: Dimension{
				Name:   "study_area",
				Column: model.ColAreaTags,
				Values: []string{
					"Agriculture, Forestry and Fishery",
					"Architecture and Building",
					"Arts",
					"Commerce, Business and Administration",
					"Computer Science and Information Technology",
					"Education",
					"Engineering and Engineering Trades",
					"Environmental Science/Protection",
					"Health",
					"Humanities",
					"Journalism and Information",
					"Law",
					"Life Sciences",
					"Manufacturing and Processing",
					"Mathematics and Statistics",
					"Personal Services",
					"Physical Sciences, Sciences",
					"Security Services",
					"Social and Behavioural Science",
					"Social Services",
					"Transport Services",
					"Veterinary",
				},
			},
			Tertiary: Dimension{
				Name:   "requirement",
				Column: model.ColRequirementTags,
				Values: []string{
					"PTE",
					"TOEFL iBT",
					"IELTS",
					"DET",
					"SAT",
					"ACT",
					"GRE",
					"GMAT",
					"Without English Proficiency",
					"Without GRE",
					"Without GMAT",
					"Without Maths",
					"Application Fee Waiver (upto 100%)",
					"Scholarship Available",
					"With 15 Years of Education",
				},
			},
		},
		Results: Results{
			NoResultsText: "No Record Found",
			PagePattern:   `(?i)Page\s+\d+\s+of\s+(\d+)`,
		},
	}
}

// SelectPrimary narrows the primary dimension to the given names or 1-based
// indexes. An empty selection, or "all", keeps every value.
func (p *Profile) SelectPrimary(sel []string) error {
	if len(sel) == 0 || (len(sel) == 1 && strings.EqualFold(sel[0], "all")) {
		return nil
	}
	values := p.Dimensions.Primary.Values
	var out []string
	seen := make(map[string]struct{})
	for _, s := range sel {
		v, ok := lookupValue(values, strings.TrimSpace(s))
		if !ok {
			return eris.Errorf("profile: unknown %s %q", p.Dimensions.Primary.Name, s)
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	p.Dimensions.Primary.Values = out
	return nil
}

func lookupValue(values []string, s string) (string, bool) {
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= len(values) {
		return values[n-1], true
	}
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return v, true
		}
	}
	return "", false
}
