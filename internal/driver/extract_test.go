package driver

import (
	"net/url"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/profile"
)

const listingHTML = `<html><body>
<div id="results">
<article>
  <h3><a href="/course/42">Data Science</a></h3>
  <div class="universityProgram"><div class="con_text">Maple University</div></div>
  <div class="highlight-badge-wrap"><span>STEM</span><span></span><span>Co-op</span></div>
  <ul><li><span>Duration:</span><span>2 years</span></li>
      <li><span>Yearly Tuition Fee: CAD 30,000</span></li></ul>
  <div class="openIntakeDiv"><span>Open:</span><span>Sep 2026</span><span>Jan 2027</span></div>
</article>
<article>
  <h3><a href="https://other.test/c/7">History</a></h3>
</article>
</div>
</body></html>`

func listingRules() profile.Listing {
	return profile.Listing{
		Item: "article",
		Fields: []profile.FieldRule{
			{Column: model.ColTitle, Selector: "h3 a"},
			{Column: model.ColURL, Selector: "h3 a", Attr: "href"},
			{Column: model.ColOrganization, Selector: "div[class*='universityProgram'] div.con_text"},
			{Column: model.ColSpeciality, Selector: "div.highlight-badge-wrap > span", Multiple: true, Optional: true},
			{Column: model.ColDuration, Label: "Duration:"},
			{Column: model.ColTuitionFee, Label: "Yearly Tuition Fee:"},
			{Column: model.ColOpenIntakes, Selector: "div.openIntakeDiv span", Multiple: true, Skip: 1, Optional: true},
		},
	}
}

func TestExtractListing(t *testing.T) {
	base, _ := url.Parse("https://catalog.test/search?page=1")
	rows, err := extractListing(listingHTML, listingRules(), base)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, "Data Science", first[model.ColTitle])
	assert.Equal(t, "https://catalog.test/course/42", first[model.ColURL])
	assert.Equal(t, "Maple University", first[model.ColOrganization])
	assert.Equal(t, "STEM, Co-op", first[model.ColSpeciality])
	assert.Equal(t, "2 years", first[model.ColDuration])
	assert.Equal(t, "CAD 30,000", first[model.ColTuitionFee])
	assert.Equal(t, "Sep 2026, Jan 2027", first[model.ColOpenIntakes])

	second := rows[1]
	assert.Equal(t, "https://other.test/c/7", second[model.ColURL])
	assert.Equal(t, model.NotFound, second[model.ColOrganization])
	assert.Equal(t, model.NotFound, second[model.ColDuration])
	assert.Equal(t, "", second[model.ColSpeciality], "optional fields stay empty")
}

const detailHTML = `<html><body>
<div class="un-wrap"><img class="logo" src="/img/maple.png"></div>
<ul id="details">
  <li><div><div>Campus</div><div>Downtown</div></div></li>
  <li><div><div>Program URL</div><div><a href="https://maple.test/ds">Visit</a></div></div></li>
  <li><div><div>Intake Notes</div><div>ignored</div></div></li>
</ul>
<ul id="tests">
  <li><div><div>IELTS Score</div><div>6.5</div></div></li>
  <li><div><div>TOEFL Score</div><div></div></div></li>
</ul>
<div class="course-last-updated">Updated 2026-01-04</div>
</body></html>`

func TestExtractDetail(t *testing.T) {
	base, _ := url.Parse("https://catalog.test/course/42")
	d := profile.Detail{
		Fields: []profile.FieldRule{
			{Column: "College Logo", Selector: "img.logo", Attr: "src"},
			{Column: "Last Updated Date", Selector: ".course-last-updated"},
			{Column: "Remarks", Selector: ".remarks"},
		},
		Sections: []profile.Section{
			{
				Items: "#details li",
				Map: []profile.LabelMapping{
					{Match: "campus", Column: "Campus"},
					{Match: "program url", Column: "University Course URL", Attr: "href"},
				},
			},
			{Items: "#tests li", Dynamic: true},
		},
	}

	p, err := extractDetail(detailHTML, d, base)
	require.NoError(t, err)

	get := func(col string) string {
		v, _ := p.Get(col)
		return v
	}
	assert.Equal(t, "https://catalog.test/img/maple.png", get("College Logo"))
	assert.Equal(t, "Updated 2026-01-04", get("Last Updated Date"))
	assert.Equal(t, model.NotFound, get("Remarks"))
	assert.Equal(t, "Downtown", get("Campus"))
	assert.Equal(t, "https://maple.test/ds", get("University Course URL"))
	assert.Equal(t, "6.5", get("IELTS Score"))
	assert.Equal(t, model.NotFound, get("TOEFL Score"))

	_, ok := p.Get("Intake Notes")
	assert.False(t, ok, "unmapped labels of a fixed section are dropped")
}

func TestParsePageInfo(t *testing.T) {
	re := regexp.MustCompile(profile.Default().Results.PagePattern)
	tests := []struct {
		text string
		want PageInfo
	}{
		{"Showing results Page 1 of 12", PageInfo{Pages: 12}},
		{"page 3 OF 4", PageInfo{Pages: 4}},
		{"No Record Found", PageInfo{NoResults: true}},
		{"42 courses", PageInfo{Pages: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePageInfo(tt.text, "no record found", re))
		})
	}
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `'UG'`, xpathLiteral("UG"))
	assert.Equal(t, `"Bachelor's"`, xpathLiteral("Bachelor's"))
	assert.Equal(t, `concat('a"b', "'", 'c')`, xpathLiteral(`a"b'c`))
}

func TestBy(t *testing.T) {
	assert.Equal(t, jsString(`a"b`), `"a\"b"`)
	assert.NotNil(t, by("//div"))
	assert.NotNil(t, by("#id"))
}
