package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/profile"
	"github.com/sells-group/catalog-harvester/internal/resilience"
)

// Options configures a ChromeDriver.
type Options struct {
	Headless    bool
	ChromePath  string
	UserDataDir string

	// ActionTimeout bounds a single click, type or read. Default: 10s.
	ActionTimeout time.Duration
	// PageTimeout bounds waits for search results and login. Default: 30s.
	PageTimeout time.Duration
	// DetailTimeout bounds opening a detail page. Default: 60s.
	DetailTimeout time.Duration
	// Settle is the pause after a filter click or search. Default: 1s.
	Settle time.Duration

	// Limiter paces navigations. It may be shared across drivers.
	Limiter *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = 30 * time.Second
	}
	if o.DetailTimeout <= 0 {
		o.DetailTimeout = 60 * time.Second
	}
	if o.Settle < 0 {
		o.Settle = 0
	} else if o.Settle == 0 {
		o.Settle = time.Second
	}
	return o
}

// ChromeDriver drives a Chrome tab through chromedp. Pages are read as HTML
// and parsed with goquery according to the profile.
type ChromeDriver struct {
	prof    *profile.Profile
	opts    Options
	pattern *regexp.Regexp
	log     *zap.Logger

	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

var _ Driver = (*ChromeDriver)(nil)

// NewChrome launches a browser and opens one tab. ctx bounds the browser's
// lifetime; Close releases it earlier.
func NewChrome(ctx context.Context, prof *profile.Profile, opts Options) (*ChromeDriver, error) {
	opts = opts.withDefaults()

	var pattern *regexp.Regexp
	if prof.Results.PagePattern != "" {
		re, err := regexp.Compile(prof.Results.PagePattern)
		if err != nil {
			return nil, eris.Wrap(err, "driver: compile page pattern")
		}
		pattern = re
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.ChromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromePath))
	}
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	// Start the browser now so launch failures surface here.
	if err := chromedp.Run(tab); err != nil {
		tabCancel()
		allocCancel()
		return nil, eris.Wrap(err, "driver: start browser")
	}

	return &ChromeDriver{
		prof:        prof,
		opts:        opts,
		pattern:     pattern,
		log:         zap.L().With(zap.String("component", "driver")),
		tab:         tab,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}, nil
}

// NewFactory returns a Factory that launches one ChromeDriver per worker,
// each with its own profile directory under opts.UserDataDir.
func NewFactory(prof *profile.Profile, opts Options) Factory {
	return func(ctx context.Context, workerID int) (Driver, error) {
		o := opts
		if o.UserDataDir != "" {
			o.UserDataDir = filepath.Join(o.UserDataDir, fmt.Sprintf("worker-%d", workerID))
		}
		return NewChrome(ctx, prof, o)
	}
}

// run executes actions on the tab bounded by timeout and by ctx. An expired
// timeout is reported as a transient ErrTimeout.
func (d *ChromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(d.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(tctx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "driver: canceled")
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrap(ErrTimeout, err.Error()), "chromedp")
	}
	return err
}

func (d *ChromeDriver) navigate(ctx context.Context, target string, timeout time.Duration) error {
	if d.opts.Limiter != nil {
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "driver: navigation pacing")
		}
	}
	if err := d.run(ctx, timeout, chromedp.Navigate(target), chromedp.WaitReady("body")); err != nil {
		return eris.Wrapf(err, "driver: navigate to %s", target)
	}
	return nil
}

func (d *ChromeDriver) settle(ctx context.Context) {
	if d.opts.Settle <= 0 {
		return
	}
	t := time.NewTimer(d.opts.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// waitIdle waits for the profile's loading overlay to disappear.
func (d *ChromeDriver) waitIdle(ctx context.Context) {
	sel := d.prof.Results.Overlay
	if sel == "" {
		return
	}
	deadline := time.Now().Add(d.opts.PageTimeout)
	for time.Now().Before(deadline) {
		var busy bool
		if err := d.run(ctx, d.opts.ActionTimeout, chromedp.Evaluate(fmt.Sprintf(visibleJS, jsString(sel)), &busy)); err != nil || !busy {
			return
		}
		t := time.NewTimer(250 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	d.log.Debug("driver: overlay still visible after page timeout", zap.String("selector", sel))
}

func (d *ChromeDriver) click(ctx context.Context, sel string) error {
	var ok bool
	if err := d.run(ctx, d.opts.ActionTimeout, chromedp.Evaluate(fmt.Sprintf(clickJS, jsString(sel)), &ok)); err != nil {
		return eris.Wrapf(err, "driver: click %s", sel)
	}
	if !ok {
		return eris.Wrapf(ErrElementNotFound, "driver: click %s", sel)
	}
	return nil
}

// IsAuthenticated checks for the profile's logged-in marker without waiting.
func (d *ChromeDriver) IsAuthenticated(ctx context.Context) (bool, error) {
	sel := d.prof.Login.LoggedIn
	if sel == "" {
		return true, nil
	}
	var nodes []*cdp.Node
	if err := d.run(ctx, d.opts.ActionTimeout, chromedp.Nodes(sel, &nodes, by(sel), chromedp.AtLeast(0))); err != nil {
		return false, eris.Wrap(err, "driver: check session")
	}
	return len(nodes) > 0, nil
}

// Authenticate submits the login form and waits for the logged-in marker.
func (d *ChromeDriver) Authenticate(ctx context.Context, creds Credentials) error {
	l := d.prof.Login
	if l.URL == "" {
		return nil
	}
	if err := d.navigate(ctx, l.URL, d.opts.PageTimeout); err != nil {
		return err
	}
	err := d.run(ctx, d.opts.PageTimeout,
		chromedp.WaitVisible(l.Username, by(l.Username)),
		chromedp.SendKeys(l.Username, creds.Username, by(l.Username)),
		chromedp.SendKeys(l.Password, creds.Password, by(l.Password)),
		chromedp.Click(l.Submit, by(l.Submit)),
	)
	if err != nil {
		return eris.Wrap(err, "driver: fill login form")
	}
	if l.LoggedIn == "" {
		return nil
	}
	if err := d.run(ctx, d.opts.PageTimeout, chromedp.WaitVisible(l.LoggedIn, by(l.LoggedIn))); err != nil {
		return eris.Wrap(ErrAuthFailed, err.Error())
	}
	d.log.Info("driver: logged in")
	return nil
}

// Prepare opens the start page and runs the profile's setup steps.
func (d *ChromeDriver) Prepare(ctx context.Context) error {
	if d.prof.StartURL != "" {
		if err := d.navigate(ctx, d.prof.StartURL, d.opts.PageTimeout); err != nil {
			return err
		}
	}
	for i, st := range d.prof.Setup {
		if err := d.step(ctx, st); err != nil {
			return eris.Wrapf(err, "driver: setup step %d (%s)", i+1, st.Action)
		}
		d.settle(ctx)
	}
	return nil
}

func (d *ChromeDriver) step(ctx context.Context, st profile.Step) error {
	switch st.Action {
	case "click":
		return d.click(ctx, st.Selector)
	case "type":
		return d.run(ctx, d.opts.ActionTimeout, chromedp.SendKeys(st.Selector, st.Value, by(st.Selector)))
	case "enter":
		return d.run(ctx, d.opts.ActionTimeout, chromedp.SendKeys(st.Selector, kb.Enter, by(st.Selector)))
	case "wait":
		return d.run(ctx, d.opts.PageTimeout, chromedp.WaitVisible(st.Selector, by(st.Selector)))
	case "select":
		var ok bool
		js := fmt.Sprintf(selectJS, jsString(st.Selector), jsString(st.Value))
		if err := d.run(ctx, d.opts.ActionTimeout, chromedp.Evaluate(js, &ok)); err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(ErrElementNotFound, "option %q under %s", st.Value, st.Selector)
		}
		return nil
	default:
		return eris.Errorf("unknown action %q", st.Action)
	}
}

// ApplyFilter checks the value's checkbox in the dimension's filter.
func (d *ChromeDriver) ApplyFilter(ctx context.Context, dim, value string) error {
	f, ok := d.prof.Filters[dim]
	if !ok {
		return eris.Wrapf(ErrElementNotFound, "driver: no filter for dimension %s", dim)
	}
	if f.Kind == profile.FilterTypeahead {
		if f.Toggle != "" {
			if err := d.click(ctx, f.Toggle); err != nil {
				return err
			}
		}
		if f.Input != "" {
			err := d.run(ctx, d.opts.ActionTimeout,
				chromedp.SetValue(f.Input, "", by(f.Input)),
				chromedp.SendKeys(f.Input, value, by(f.Input)),
			)
			if err != nil {
				return eris.Wrapf(err, "driver: type %q into %s", value, f.Input)
			}
			d.settle(ctx)
		}
	}
	return d.setChecked(ctx, f, value, true)
}

// ClearFilter unchecks the value's checkbox in the dimension's filter.
func (d *ChromeDriver) ClearFilter(ctx context.Context, dim, value string) error {
	f, ok := d.prof.Filters[dim]
	if !ok {
		return eris.Wrapf(ErrElementNotFound, "driver: no filter for dimension %s", dim)
	}
	return d.setChecked(ctx, f, value, false)
}

func (d *ChromeDriver) setChecked(ctx context.Context, f profile.Filter, value string, want bool) error {
	xp := fmt.Sprintf("%s//li//label[normalize-space()=%s]//input[@type='checkbox']", f.Container, xpathLiteral(value))
	var state string
	if err := d.run(ctx, d.opts.ActionTimeout, chromedp.Evaluate(fmt.Sprintf(toggleJS, jsString(xp), want), &state)); err != nil {
		return eris.Wrapf(err, "driver: toggle %q", value)
	}
	switch state {
	case "ok":
		d.settle(ctx)
		return nil
	case "missing":
		return eris.Wrapf(ErrElementNotFound, "driver: checkbox %q", value)
	default:
		return eris.Errorf("driver: checkbox %q did not change state", value)
	}
}

// Search submits the filter form and waits for the results to settle.
func (d *ChromeDriver) Search(ctx context.Context) error {
	if d.prof.Search == "" {
		return eris.Wrap(ErrElementNotFound, "driver: profile has no search control")
	}
	if err := d.click(ctx, d.prof.Search); err != nil {
		return err
	}
	d.settle(ctx)
	d.waitIdle(ctx)
	return nil
}

// ResultPageInfo reads the results summary.
func (d *ChromeDriver) ResultPageInfo(ctx context.Context) (PageInfo, error) {
	sel := d.prof.Results.Container
	if sel == "" {
		sel = "body"
	}
	var text string
	if err := d.run(ctx, d.opts.PageTimeout, chromedp.Text(sel, &text, by(sel))); err != nil {
		return PageInfo{}, eris.Wrap(err, "driver: read results summary")
	}
	info := parsePageInfo(text, d.prof.Results.NoResultsText, d.pattern)
	if info.NoResults {
		return info, ErrNoResults
	}
	return info, nil
}

// AdvancePage clicks the next-page control. A missing control ends the walk.
func (d *ChromeDriver) AdvancePage(ctx context.Context) (bool, error) {
	sel := d.prof.Results.NextPage
	if sel == "" {
		return false, nil
	}
	if err := d.click(ctx, sel); err != nil {
		if errors.Is(err, ErrElementNotFound) {
			return false, nil
		}
		return false, err
	}
	d.settle(ctx)
	d.waitIdle(ctx)
	return true, nil
}

// ExtractCurrentPageRaw parses the result items of the current page.
func (d *ChromeDriver) ExtractCurrentPageRaw(ctx context.Context) ([]map[string]string, error) {
	html, base, err := d.snapshot(ctx, d.opts.PageTimeout)
	if err != nil {
		return nil, err
	}
	return extractListing(html, d.prof.Listing, base)
}

// OpenDetailPage navigates to target and waits for the detail ready marker.
func (d *ChromeDriver) OpenDetailPage(ctx context.Context, target string) error {
	if err := d.navigate(ctx, target, d.opts.DetailTimeout); err != nil {
		return err
	}
	if ready := d.prof.Detail.Ready; ready != "" {
		if err := d.run(ctx, d.opts.DetailTimeout, chromedp.WaitReady(ready, by(ready))); err != nil {
			return eris.Wrapf(err, "driver: wait for detail content at %s", target)
		}
	}
	return nil
}

// ExtractDetailFields parses the open detail page.
func (d *ChromeDriver) ExtractDetailFields(ctx context.Context) (model.Patch, error) {
	html, base, err := d.snapshot(ctx, d.opts.DetailTimeout)
	if err != nil {
		return nil, err
	}
	return extractDetail(html, d.prof.Detail, base)
}

func (d *ChromeDriver) snapshot(ctx context.Context, timeout time.Duration) (string, *url.URL, error) {
	var html, loc string
	if err := d.run(ctx, timeout, chromedp.Location(&loc), chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", nil, eris.Wrap(err, "driver: read page")
	}
	base, err := url.Parse(loc)
	if err != nil {
		base = nil
	}
	return html, base, nil
}

// Close shuts the tab and the browser.
func (d *ChromeDriver) Close() error {
	d.tabCancel()
	d.allocCancel()
	return nil
}

func by(sel string) chromedp.QueryOption {
	if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}

const findJS = `function(sel) {
  if (sel[0] === "/" || sel[0] === "(") {
    return document.evaluate(sel, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  }
  return document.querySelector(sel);
}`

var (
	clickJS = `(function(sel) {
  var n = (` + findJS + `)(sel);
  if (!n) return false;
  n.click();
  return true;
})(%s)`

	visibleJS = `(function(sel) {
  var n = (` + findJS + `)(sel);
  if (!n) return false;
  var st = window.getComputedStyle(n);
  return st.display !== "none" && st.visibility !== "hidden" && n.offsetParent !== null;
})(%s)`

	toggleJS = `(function(xp, want) {
  var n = (` + findJS + `)(xp);
  if (!n) return "missing";
  if (n.checked !== want) n.click();
  return n.checked === want ? "ok" : "unchanged";
})(%s, %t)`

	selectJS = `(function(sel, text) {
  var nodes = document.querySelectorAll(sel);
  for (var i = 0; i < nodes.length; i++) {
    if (nodes[i].textContent.trim() === text) { nodes[i].click(); return true; }
  }
  return false;
})(%s, %s)`
)
