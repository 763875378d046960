package driver

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/profile"
)

const (
	defaultSectionLabel = "div > div:first-child"
	defaultSectionValue = "div > div:nth-child(2)"
)

// parsePageInfo reads the result summary text. A summary without a page
// marker is a single page.
func parsePageInfo(text, noResults string, pattern *regexp.Regexp) PageInfo {
	if noResults != "" && strings.Contains(strings.ToLower(text), strings.ToLower(noResults)) {
		return PageInfo{NoResults: true}
	}
	if pattern != nil {
		if m := pattern.FindStringSubmatch(text); len(m) > 1 {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 {
				return PageInfo{Pages: n}
			}
		}
	}
	return PageInfo{Pages: 1}
}

// extractListing applies the listing rules to every result item in html.
func extractListing(html string, l profile.Listing, base *url.URL) ([]map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "driver: parse listing page")
	}

	var out []map[string]string
	doc.Find(l.Item).Each(func(_ int, item *goquery.Selection) {
		fields := make(map[string]string, len(l.Fields))
		for _, r := range l.Fields {
			if v, ok := applyRule(item, r, base); ok {
				fields[r.Column] = v
			} else if r.Optional {
				fields[r.Column] = ""
			} else {
				fields[r.Column] = model.NotFound
			}
		}
		out = append(out, fields)
	})
	return out, nil
}

// extractDetail applies the detail rules and sections to html. Fields that a
// rule cannot find are reported as model.NotFound unless optional.
func extractDetail(html string, d profile.Detail, base *url.URL) (model.Patch, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "driver: parse detail page")
	}

	var p model.Patch
	for _, r := range d.Fields {
		if v, ok := applyRule(doc.Selection, r, base); ok {
			p.Set(r.Column, v)
		} else if !r.Optional {
			p.Set(r.Column, model.NotFound)
		}
	}

	for _, sec := range d.Sections {
		labelSel := sec.Label
		if labelSel == "" {
			labelSel = defaultSectionLabel
		}
		valueSel := sec.Value
		if valueSel == "" {
			valueSel = defaultSectionValue
		}

		doc.Find(sec.Items).Each(func(_ int, item *goquery.Selection) {
			label := cleanText(item.Find(labelSel).First().Text())
			if label == "" {
				return
			}
			value := item.Find(valueSel).First()

			if sec.Dynamic {
				v := cleanText(value.Text())
				if v == "" {
					v = model.NotFound
				}
				p.Set(label, v)
				return
			}

			lower := strings.ToLower(label)
			for _, m := range sec.Map {
				if !strings.Contains(lower, strings.ToLower(m.Match)) {
					continue
				}
				var v string
				if m.Attr != "" {
					v = readValue(value.Find("["+m.Attr+"]").First(), m.Attr, base)
				} else {
					v = cleanText(value.Text())
				}
				if v != "" {
					p.Set(m.Column, v)
				}
				break
			}
		})
	}
	return p, nil
}

func applyRule(scope *goquery.Selection, r profile.FieldRule, base *url.URL) (string, bool) {
	if r.Label != "" {
		return labelValue(scope, r)
	}

	matches := scope
	if r.Selector != "" {
		matches = scope.Find(r.Selector)
	}

	if r.Multiple {
		var parts []string
		matches.Each(func(_ int, s *goquery.Selection) {
			if v := readValue(s, r.Attr, base); v != "" {
				parts = append(parts, v)
			}
		})
		if r.Skip > 0 {
			if r.Skip >= len(parts) {
				parts = nil
			} else {
				parts = parts[r.Skip:]
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, model.TagSeparator), true
	}

	first := matches.First()
	if first.Length() == 0 {
		return "", false
	}
	v := readValue(first, r.Attr, base)
	return v, v != ""
}

// labelValue finds the leaf element whose text contains the rule's label and
// returns what follows it: trailing text, the next sibling, or the rest of
// the parent's text.
func labelValue(scope *goquery.Selection, r profile.FieldRule) (string, bool) {
	candidates := scope.Find("*")
	if r.Selector != "" {
		candidates = scope.Find(r.Selector)
	}

	var out string
	candidates.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		t := cleanText(s.Text())
		i := strings.Index(t, r.Label)
		if i < 0 {
			return true
		}
		v := strings.TrimSpace(t[i+len(r.Label):])
		if v == "" {
			v = cleanText(s.Next().Text())
		}
		if v == "" {
			pt := cleanText(s.Parent().Text())
			if j := strings.Index(pt, r.Label); j >= 0 {
				v = strings.TrimSpace(pt[j+len(r.Label):])
			}
		}
		out = v
		return v == ""
	})
	return out, out != ""
}

func readValue(s *goquery.Selection, attr string, base *url.URL) string {
	if attr == "" {
		return cleanText(s.Text())
	}
	v, ok := s.Attr(attr)
	if !ok {
		return ""
	}
	v = strings.TrimSpace(v)
	if (attr == "href" || attr == "src") && v != "" {
		return resolveURL(base, v)
	}
	return v
}

func resolveURL(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
