package traverse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/model"
)

// course is one catalog entry of the fake site.
type course struct {
	title, org string
	// tags maps dimension name to the values the course is listed under.
	tags map[string][]string
}

func (c course) matches(sel map[string]map[string]bool) bool {
	for dim, values := range sel {
		if len(values) == 0 {
			continue
		}
		hit := false
		for _, v := range c.tags[dim] {
			if values[v] {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// fakeSite is a scripted driver.Driver whose filter UI holds a set of
// selected values per dimension, like checkbox lists do.
type fakeSite struct {
	mu sync.Mutex

	catalog  []course
	pageSize int

	authenticated bool
	authFailures  int
	// applyErr and clearFailures are keyed by "dim=value".
	applyErr      map[string]error
	clearFailures map[string]int
	// onSearch runs after every search with the running search count.
	onSearch func(n int)

	sel      map[string]map[string]bool
	pages    [][]map[string]string
	page     int
	searches int
	calls    []string
}

func newFakeSite(catalog ...course) *fakeSite {
	return &fakeSite{
		catalog:       catalog,
		pageSize:      2,
		authenticated: true,
		applyErr:      make(map[string]error),
		clearFailures: make(map[string]int),
		sel:           make(map[string]map[string]bool),
	}
}

func (f *fakeSite) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeSite) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Selected lists every value still selected in the UI.
func (f *fakeSite) Selected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for dim, values := range f.sel {
		for v, on := range values {
			if on {
				out = append(out, dim+"="+v)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeSite) IsAuthenticated(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated, nil
}

func (f *fakeSite) Authenticate(_ context.Context, creds driver.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("auth %s", creds.Username)
	if f.authFailures > 0 {
		f.authFailures--
		return eris.Wrap(driver.ErrAuthFailed, "fake: login rejected")
	}
	f.authenticated = true
	return nil
}

func (f *fakeSite) Prepare(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prepare")
	return nil
}

func (f *fakeSite) ApplyFilter(_ context.Context, dim, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("apply %s=%s", dim, value)
	if err := f.applyErr[dim+"="+value]; err != nil {
		return err
	}
	if f.sel[dim] == nil {
		f.sel[dim] = make(map[string]bool)
	}
	f.sel[dim][value] = true
	return nil
}

func (f *fakeSite) ClearFilter(_ context.Context, dim, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clear %s=%s", dim, value)
	if n := f.clearFailures[dim+"="+value]; n > 0 {
		f.clearFailures[dim+"="+value] = n - 1
		return eris.Wrap(driver.ErrElementNotFound, "fake: checkbox")
	}
	delete(f.sel[dim], value)
	return nil
}

func (f *fakeSite) Search(context.Context) error {
	f.mu.Lock()
	f.searches++
	n := f.searches
	f.record("search")

	var rows []map[string]string
	for _, c := range f.catalog {
		if c.matches(f.sel) {
			rows = append(rows, map[string]string{
				model.ColTitle:        c.title,
				model.ColOrganization: c.org,
				model.ColURL:          "https://catalog.test/" + strings.ReplaceAll(c.title, " ", "-"),
			})
		}
	}
	f.pages = nil
	for len(rows) > 0 {
		k := min(f.pageSize, len(rows))
		f.pages = append(f.pages, rows[:k])
		rows = rows[k:]
	}
	f.page = 0
	hook := f.onSearch
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeSite) ResultPageInfo(context.Context) (driver.PageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pages) == 0 {
		return driver.PageInfo{NoResults: true}, driver.ErrNoResults
	}
	return driver.PageInfo{Pages: len(f.pages)}, nil
}

func (f *fakeSite) AdvancePage(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.page+1 >= len(f.pages) {
		return false, nil
	}
	f.page++
	return true, nil
}

func (f *fakeSite) ExtractCurrentPageRaw(context.Context) ([]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.page >= len(f.pages) {
		return nil, nil
	}
	var out []map[string]string
	for _, r := range f.pages[f.page] {
		cp := make(map[string]string, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeSite) OpenDetailPage(context.Context, string) error { return nil }

func (f *fakeSite) ExtractDetailFields(context.Context) (model.Patch, error) { return nil, nil }

func (f *fakeSite) Close() error { return nil }
