// Package driver defines the UI-automation contract the harvester drives and
// ships a chromedp implementation configured by a site profile.
package driver

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-harvester/internal/model"
)

// Sentinel errors returned by drivers. Callers compare with errors.Is.
var (
	// ErrNoResults means a search completed and the site reported no matches.
	ErrNoResults = eris.New("driver: no results")
	// ErrElementNotFound means a control or field the profile names is absent.
	ErrElementNotFound = eris.New("driver: element not found")
	// ErrTimeout means a bounded wait expired.
	ErrTimeout = eris.New("driver: timeout")
	// ErrAuthFailed means the login form was submitted but no session resulted.
	ErrAuthFailed = eris.New("driver: authentication failed")
)

// Credentials for the catalog login.
type Credentials struct {
	Username string
	Password string
}

// PageInfo summarises the result surface after a search.
type PageInfo struct {
	Pages     int
	NoResults bool
}

// Driver is one UI session. A Driver is not safe for concurrent use; the
// traversal owns one and every enrichment worker owns its own.
type Driver interface {
	// IsAuthenticated reports whether the session is logged in.
	IsAuthenticated(ctx context.Context) (bool, error)
	// Authenticate logs in with creds.
	Authenticate(ctx context.Context, creds Credentials) error
	// Prepare opens the search surface and applies fixed pre-filters.
	Prepare(ctx context.Context) error

	// ApplyFilter selects value in dimension dim.
	ApplyFilter(ctx context.Context, dim, value string) error
	// ClearFilter deselects value in dimension dim.
	ClearFilter(ctx context.Context, dim, value string) error
	// Search submits the current filter state.
	Search(ctx context.Context) error
	// ResultPageInfo reads the page count of the current result set.
	ResultPageInfo(ctx context.Context) (PageInfo, error)
	// AdvancePage moves to the next result page; false means there is none.
	AdvancePage(ctx context.Context) (bool, error)
	// ExtractCurrentPageRaw returns one field map per result on the page.
	ExtractCurrentPageRaw(ctx context.Context) ([]map[string]string, error)

	// OpenDetailPage navigates to a record's detail page.
	OpenDetailPage(ctx context.Context, url string) error
	// ExtractDetailFields reads the detail fields of the open page. A partial
	// patch may be returned alongside an error.
	ExtractDetailFields(ctx context.Context) (model.Patch, error)

	// Close releases the session.
	Close() error
}

// Factory builds the driver for one worker. workerID starts at 1.
type Factory func(ctx context.Context, workerID int) (Driver, error)
