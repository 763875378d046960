package enrich

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/resilience"
)

// detailPage scripts what one URL returns.
type detailPage struct {
	fields model.Patch
	// transient open failures before the page loads
	flaky int
	// permanent open failure
	broken     bool
	extractErr error
	onExtract  func()
}

// fakeSite serves detail pages to any number of fake sessions.
type fakeSite struct {
	mu     sync.Mutex
	pages  map[string]*detailPage
	opened map[string]int
	// loginFails lists worker ids whose login always fails.
	loginFails map[int]bool
	// startFails lists worker ids whose browser cannot start.
	startFails map[int]bool
	closed     int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:      make(map[string]*detailPage),
		opened:     make(map[string]int),
		loginFails: make(map[int]bool),
		startFails: make(map[int]bool),
	}
}

func (s *fakeSite) Opened(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[url]
}

func (s *fakeSite) factory() driver.Factory {
	return func(_ context.Context, id int) (driver.Driver, error) {
		if s.startFails[id] {
			return nil, eris.New("fake: chrome not found")
		}
		return &fakeSession{site: s, id: id}, nil
	}
}

type fakeSession struct {
	driver.Driver

	site    *fakeSite
	id      int
	current *detailPage
	authed  bool
}

func (f *fakeSession) IsAuthenticated(context.Context) (bool, error) { return f.authed, nil }

func (f *fakeSession) Authenticate(context.Context, driver.Credentials) error {
	if f.site.loginFails[f.id] {
		return driver.ErrAuthFailed
	}
	f.authed = true
	return nil
}

func (f *fakeSession) OpenDetailPage(_ context.Context, url string) error {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	f.site.opened[url]++
	f.current = nil

	p, ok := f.site.pages[url]
	switch {
	case !ok:
		return eris.Wrapf(driver.ErrElementNotFound, "fake: no page %s", url)
	case p.broken:
		return eris.New("fake: page crashed")
	case p.flaky > 0:
		p.flaky--
		return resilience.NewTransientError(driver.ErrTimeout, "fake")
	}
	f.current = p
	return nil
}

func (f *fakeSession) ExtractDetailFields(context.Context) (model.Patch, error) {
	p := f.current
	if p == nil {
		return nil, driver.ErrElementNotFound
	}
	if p.onExtract != nil {
		p.onExtract()
	}
	out := append(model.Patch(nil), p.fields...)
	return out, p.extractErr
}

func (f *fakeSession) Close() error {
	f.site.mu.Lock()
	f.site.closed++
	f.site.mu.Unlock()
	return nil
}
