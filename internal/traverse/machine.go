// Package traverse walks the primary × secondary × tertiary filter space of
// the catalog UI and folds every listed record into the checkpoint.
package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-harvester/internal/checkpoint"
	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/profile"
	"github.com/sells-group/catalog-harvester/internal/resilience"
	"github.com/sells-group/catalog-harvester/internal/status"
	"github.com/sells-group/catalog-harvester/internal/store"
)

const source = "traverse"

// Dimension is one filter axis: a name understood by the driver, the tag
// column its values accumulate into, and its values in traversal order.
type Dimension = profile.Dimension

// Plan is the filter space to traverse.
type Plan struct {
	Primary   Dimension
	Secondary Dimension
	Tertiary  Dimension
	// Sub selects the sub-dimension loops run under each primary value.
	// Empty means both. Any narrower choice is an update pass over an
	// existing checkpoint: every primary value is revisited and the base
	// pass is not run.
	Sub SubDimensions
}

// SubDimensions names which sub-dimension loops a plan runs.
type SubDimensions string

const (
	SubBoth      SubDimensions = "both"
	SubSecondary SubDimensions = "secondary"
	SubTertiary  SubDimensions = "tertiary"
)

// ParseSubDimensions accepts "", "both", "secondary" or "tertiary".
func ParseSubDimensions(s string) (SubDimensions, error) {
	switch sd := SubDimensions(strings.ToLower(strings.TrimSpace(s))); sd {
	case "", SubBoth:
		return SubBoth, nil
	case SubSecondary, SubTertiary:
		return sd, nil
	default:
		return "", eris.Errorf("traverse: unknown sub-dimensions %q (want secondary, tertiary or both)", s)
	}
}

// update reports whether the plan only refreshes one sub-dimension.
func (p Plan) update() bool {
	return p.Sub == SubSecondary || p.Sub == SubTertiary
}

type loop struct {
	dim   Dimension
	state State
}

func (p Plan) loops() []loop {
	var out []loop
	if p.Sub != SubTertiary {
		out = append(out, loop{p.Secondary, StateSecondarySelected})
	}
	if p.Sub != SubSecondary {
		out = append(out, loop{p.Tertiary, StateTertiarySelected})
	}
	return out
}

// PlanFromProfile builds a plan from the profile's dimensions.
func PlanFromProfile(p *profile.Profile) Plan {
	return Plan{
		Primary:   p.Dimensions.Primary,
		Secondary: p.Dimensions.Secondary,
		Tertiary:  p.Dimensions.Tertiary,
	}
}

// State is the position of the machine in the traversal.
type State string

const (
	StateIdle              State = "idle"
	StatePrimarySelected   State = "primary_selected"
	StateSecondarySelected State = "secondary_selected"
	StateTertiarySelected  State = "tertiary_selected"
	StatePrimaryDeselected State = "primary_deselected"
	StateDone              State = "done"
)

// Options configures a Machine. Bus and RunLog are optional.
type Options struct {
	Credentials driver.Credentials
	// BasePass searches each primary value on its own before the tag loops.
	BasePass bool
	Retry    resilience.RetryConfig
	Bus      *status.Bus
	RunLog   store.RunLog
	RunID    string
}

// Stats summarises a traversal.
type Stats struct {
	PrimariesResumed int
	Values           int
	NoResults        int
	Skipped          int
	Pages            int
	Records          int
	Changed          int
}

// Machine drives one UI session through the traversal.
type Machine struct {
	drv   driver.Driver
	store *checkpoint.Store
	opts  Options
	log   *zap.Logger

	mu    sync.RWMutex
	state State

	// selected tracks the value currently applied per dimension name. A value
	// that could not be cleared stays here until a later clear succeeds.
	selected map[string]string
	stats    Stats
}

// New creates a machine over drv and st.
func New(drv driver.Driver, st *checkpoint.Store, opts Options) *Machine {
	return &Machine{
		drv:      drv,
		store:    st,
		opts:     opts,
		log:      zap.L().With(zap.String("component", source)),
		state:    StateIdle,
		selected: make(map[string]string),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) setState(s State, item string) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.opts.Bus.State(source, string(s), item)
}

// Run authenticates, then traverses plan. Primary values already covered by
// the checkpoint are skipped; the last one with records restarts from its
// first sub-dimension value. Dimension-value failures are skipped and
// logged; session and persistence failures end the run.
func (m *Machine) Run(ctx context.Context, plan Plan) (Stats, error) {
	if err := m.ensureSession(ctx); err != nil {
		return m.stats, err
	}
	if err := m.drv.Prepare(ctx); err != nil {
		return m.stats, eris.Wrap(err, "traverse: prepare search")
	}

	var cols []string
	for _, d := range []Dimension{plan.Primary, plan.Secondary, plan.Tertiary} {
		if d.Column != "" {
			cols = append(cols, d.Column)
		}
	}
	m.store.EnsureColumns(cols...)

	progress := checkpoint.PrimaryProgress{Completed: map[string]bool{}, InProgress: -1}
	if plan.update() {
		m.log.Info("update pass", zap.String("sub_dimensions", string(plan.Sub)))
	} else {
		progress = checkpoint.ResumePrimary(m.store, plan.Primary.Column, plan.Primary.Values)
	}
	if progress.InProgress >= 0 {
		m.log.Info("resuming traversal",
			zap.Int("completed", len(progress.Completed)),
			zap.String("restart", plan.Primary.Values[progress.InProgress]),
		)
	}

	for _, pv := range plan.Primary.Values {
		if err := ctx.Err(); err != nil {
			return m.stats, eris.Wrap(err, "traverse: canceled")
		}
		if progress.Completed[pv] {
			m.stats.PrimariesResumed++
			m.log.Debug("primary value already harvested", zap.String("value", pv))
			continue
		}
		if err := m.runPrimary(ctx, plan, pv); err != nil {
			return m.stats, err
		}
	}

	m.setState(StateDone, "")
	m.log.Info("traversal complete",
		zap.Int("values", m.stats.Values),
		zap.Int("skipped", m.stats.Skipped),
		zap.Int("no_results", m.stats.NoResults),
		zap.Int("records", m.stats.Records),
	)
	return m.stats, nil
}

// ensureSession logs in unless the session already is.
func (m *Machine) ensureSession(ctx context.Context) error {
	ok, err := m.drv.IsAuthenticated(ctx)
	if err == nil && ok {
		return nil
	}

	cfg := m.opts.Retry
	cfg.ShouldRetry = func(err error) bool { return resilience.Classify(err) != resilience.ClassCanceled }
	cfg.OnRetry = resilience.RetryLogger(m.log, "authenticate")
	err = resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return m.drv.Authenticate(ctx, m.opts.Credentials)
	})
	if err != nil {
		m.opts.Bus.Log(source, "login failed")
		return eris.Wrap(err, "traverse: authenticate")
	}
	m.opts.Bus.Log(source, "logged in")
	return nil
}

func (m *Machine) runPrimary(ctx context.Context, plan Plan, pv string) error {
	if err := m.clearOthers(ctx, plan, plan.Primary, pv); err != nil {
		m.skip(ctx, pv, plan.Primary, pv, err)
		return nil
	}
	if err := m.selectValue(ctx, plan.Primary, pv); err != nil {
		m.skip(ctx, pv, plan.Primary, pv, err)
		return nil
	}
	m.setState(StatePrimarySelected, pv)
	m.log.Info("primary value selected", zap.String("value", pv))

	if m.opts.BasePass && !plan.update() {
		if err := m.harvest(ctx, plan, pv, plan.Primary, pv); err != nil {
			return err
		}
	}

	for _, l := range plan.loops() {
		for _, v := range l.dim.Values {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "traverse: canceled")
			}
			if err := m.processValue(ctx, plan, pv, l.dim, v, l.state); err != nil {
				return err
			}
		}
	}

	if err := m.clearValue(ctx, plan.Primary, pv); err != nil {
		m.log.Warn("could not deselect primary value", zap.String("value", pv), zap.Error(err))
		m.opts.Bus.Log(source, fmt.Sprintf("deselect %s failed", pv))
	}
	m.setState(StatePrimaryDeselected, pv)
	m.setState(StateIdle, "")
	return nil
}

// processValue handles one secondary or tertiary value under the selected
// primary value. Only a persistence failure is returned.
func (m *Machine) processValue(ctx context.Context, plan Plan, pv string, dim Dimension, value string, state State) error {
	if err := m.clearOthers(ctx, plan, dim, value); err != nil {
		m.skip(ctx, pv, dim, value, err)
		return nil
	}
	if err := m.selectValue(ctx, dim, value); err != nil {
		m.skip(ctx, pv, dim, value, err)
		return nil
	}
	m.setState(state, value)

	herr := m.harvest(ctx, plan, pv, dim, value)

	if err := m.clearValue(ctx, dim, value); err != nil {
		m.log.Warn("could not deselect value, will retry before the next one",
			zap.String("dimension", dim.Name), zap.String("value", value), zap.Error(err))
	}
	m.setState(StatePrimarySelected, pv)
	return herr
}

// harvest searches with the current selection, folds every page into the
// store tagged with pv and value, and flushes.
func (m *Machine) harvest(ctx context.Context, plan Plan, pv string, dim Dimension, value string) error {
	m.stats.Values++

	outcome := store.OutcomeDone
	var ws WalkStats
	var changed int

	err := m.drv.Search(ctx)
	if err == nil {
		ws, err = WalkPages(ctx, DriverPages{Driver: m.drv}, func(recs []*model.Record) {
			for _, r := range recs {
				r.Fields[plan.Primary.Column] = model.MergeTag(r.Fields[plan.Primary.Column], pv)
				if dim.Column != "" && dim.Column != plan.Primary.Column {
					r.Fields[dim.Column] = model.MergeTag(r.Fields[dim.Column], value)
				}
				if m.store.Merge(r) {
					changed++
				}
			}
		})
	}

	if cerr := ctx.Err(); cerr != nil && err == nil {
		// The walk stopped early: keep what was read, but the value is not done.
		if ferr := m.store.Flush(); ferr != nil {
			return eris.Wrapf(ferr, "traverse: checkpoint after %s=%s", dim.Name, value)
		}
		m.stats.Pages += ws.Pages
		m.stats.Records += ws.Records
		m.stats.Changed += changed
		m.skip(ctx, pv, dim, value, eris.Wrap(cerr, "traverse: page walk interrupted"))
		return nil
	}

	switch {
	case errors.Is(err, driver.ErrNoResults):
		outcome = store.OutcomeNoResults
	case err != nil:
		m.skip(ctx, pv, dim, value, err)
		return nil
	case ws.Pages == 0:
		outcome = store.OutcomeNoResults
	}

	if ferr := m.store.Flush(); ferr != nil {
		return eris.Wrapf(ferr, "traverse: checkpoint after %s=%s", dim.Name, value)
	}

	m.stats.Pages += ws.Pages
	m.stats.Records += ws.Records
	m.stats.Changed += changed
	if outcome == store.OutcomeNoResults {
		m.stats.NoResults++
	}
	m.opts.Bus.Count(source, "records", ws.Records)
	m.opts.Bus.Log(source, fmt.Sprintf("%s / %s=%s: %d records (%s)", pv, dim.Name, value, ws.Records, outcome))
	m.log.Info("value harvested",
		zap.String("primary", pv),
		zap.String("dimension", dim.Name),
		zap.String("value", value),
		zap.String("outcome", string(outcome)),
		zap.Int("pages", ws.Pages),
		zap.Int("records", ws.Records),
		zap.Int("changed", changed),
	)
	m.recordStep(ctx, store.Step{
		Primary:   pv,
		Dimension: dim.Name,
		Value:     value,
		Outcome:   outcome,
		Records:   ws.Records,
	})
	return nil
}

// selectValue applies value unless it is already selected.
func (m *Machine) selectValue(ctx context.Context, dim Dimension, value string) error {
	if m.selected[dim.Name] == value {
		return nil
	}
	if err := m.drv.ApplyFilter(ctx, dim.Name, value); err != nil {
		return eris.Wrapf(err, "traverse: select %s=%s", dim.Name, value)
	}
	m.selected[dim.Name] = value
	return nil
}

// clearValue deselects value unless it is not selected.
func (m *Machine) clearValue(ctx context.Context, dim Dimension, value string) error {
	if cur, ok := m.selected[dim.Name]; !ok || cur != value {
		return nil
	}
	if err := m.drv.ClearFilter(ctx, dim.Name, value); err != nil {
		return eris.Wrapf(err, "traverse: deselect %s=%s", dim.Name, value)
	}
	delete(m.selected, dim.Name)
	return nil
}

// clearOthers clears every tracked selection that would pollute a search
// for dim=value: any other value of dim, and any sub-dimension selection.
func (m *Machine) clearOthers(ctx context.Context, plan Plan, dim Dimension, value string) error {
	for _, d := range []Dimension{plan.Primary, plan.Secondary, plan.Tertiary} {
		cur, ok := m.selected[d.Name]
		if !ok {
			continue
		}
		if d.Name == dim.Name && cur == value {
			continue
		}
		if d.Name == plan.Primary.Name && dim.Name != plan.Primary.Name {
			continue
		}
		if err := m.clearValue(ctx, d, cur); err != nil {
			return eris.Wrapf(err, "traverse: stale selection blocks %s=%s", dim.Name, value)
		}
	}
	return nil
}

func (m *Machine) skip(ctx context.Context, pv string, dim Dimension, value string, err error) {
	m.stats.Skipped++
	m.log.Warn("skipping dimension value",
		zap.String("primary", pv),
		zap.String("dimension", dim.Name),
		zap.String("value", value),
		zap.Error(err),
	)
	m.opts.Bus.Log(source, fmt.Sprintf("skipped %s=%s: %v", dim.Name, value, err))
	m.recordStep(ctx, store.Step{
		Primary:   pv,
		Dimension: dim.Name,
		Value:     value,
		Outcome:   store.OutcomeSkipped,
		Error:     err.Error(),
	})
}

func (m *Machine) recordStep(ctx context.Context, st store.Step) {
	if m.opts.RunLog == nil || m.opts.RunID == "" {
		return
	}
	st.RunID = m.opts.RunID
	// A step is still recorded when the run is being stopped.
	if err := m.opts.RunLog.RecordStep(context.WithoutCancel(ctx), st); err != nil {
		m.log.Warn("run log write failed", zap.Error(err))
	}
}
