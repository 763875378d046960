package enrich

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-harvester/internal/checkpoint"
	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/resilience"
	"github.com/sells-group/catalog-harvester/internal/status"
)

const source = "enrich"

// ErrNoWorkers is returned when every worker failed before the queue drained.
var ErrNoWorkers = eris.New("enrich: no worker could start a session")

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent browser sessions. Default: 1.
	Workers int
	// Margin is how many of the most recently completed records are fetched
	// again on start.
	Margin      int
	Credentials driver.Credentials
	// Retry governs page opens. Login uses the same backoff but retries any
	// error.
	Retry resilience.RetryConfig
	// BreakerThreshold is the number of consecutive failed page opens that
	// ends a worker's session. Default: 5.
	BreakerThreshold int
	Bus              *status.Bus
}

// Summary reports what a pool run did.
type Summary struct {
	Queue         QueueStats
	Enriched      int
	Partial       int
	OpenFailed    int
	Rewrites      int
	WorkersFailed int
	NewColumns    []string
}

// Pool fetches detail pages with independent driver sessions.
type Pool struct {
	store    *checkpoint.Store
	factory  driver.Factory
	opts     Options
	breakers *resilience.Breakers
	log      *zap.Logger

	mu  sync.Mutex
	sum Summary
}

// NewPool creates a pool over st. Each worker gets its own driver from
// factory.
func NewPool(st *checkpoint.Store, factory driver.Factory, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	p := &Pool{
		store:   st,
		factory: factory,
		opts:    opts,
		log:     zap.L().With(zap.String("component", source)),
	}
	p.breakers = resilience.NewBreakers(resilience.BreakerConfig{
		Threshold: opts.BreakerThreshold,
		OnTrip: func(failures int, last error) {
			p.log.Warn("session breaker tripped", zap.Int("failures", failures), zap.Error(last))
		},
	})
	return p
}

// Breakers exposes the per-worker session breakers.
func (p *Pool) Breakers() *resilience.Breakers {
	return p.breakers
}

// Run builds the queue and processes it until it is empty and every worker
// has exited. A checkpoint write failure stops all workers and is returned;
// the checkpoint stays valid for a later run.
func (p *Pool) Run(ctx context.Context) (Summary, error) {
	queue, qs, err := BuildQueue(p.store, p.opts.Margin)
	if err != nil {
		return Summary{Queue: qs}, err
	}
	p.sum = Summary{Queue: qs}
	if qs.Queued == 0 {
		p.log.Info("nothing to enrich")
		return p.sum, nil
	}

	workers := min(p.opts.Workers, qs.Queued)
	g, gctx := errgroup.WithContext(ctx)
	for id := 1; id <= workers; id++ {
		g.Go(func() error {
			return p.worker(gctx, id, queue)
		})
	}
	err = g.Wait()

	p.mu.Lock()
	sum := p.sum
	p.mu.Unlock()

	p.log.Info("enrichment finished",
		zap.Int("enriched", sum.Enriched),
		zap.Int("partial", sum.Partial),
		zap.Int("open_failed", sum.OpenFailed),
		zap.Int("workers_failed", sum.WorkersFailed),
		zap.Strings("new_columns", sum.NewColumns),
	)
	if err != nil {
		return sum, eris.Wrap(err, "enrich: pool")
	}
	if sum.WorkersFailed == workers && len(queue) > 0 {
		return sum, ErrNoWorkers
	}
	return sum, nil
}

// worker owns one driver session. Session failures end only this worker;
// a checkpoint failure is returned and cancels the group.
func (p *Pool) worker(ctx context.Context, id int, queue <-chan model.WorkItem) error {
	name := fmt.Sprintf("worker-%d", id)
	log := p.log.With(zap.String("worker", name))
	bus := p.opts.Bus
	bus.State(name, "starting", "")

	drv, err := p.factory(ctx, id)
	if err != nil {
		p.workerFailed(name, "start browser", err)
		return nil
	}
	defer func() {
		if cerr := drv.Close(); cerr != nil {
			log.Debug("close driver", zap.Error(cerr))
		}
	}()

	if err := p.login(ctx, drv, log); err != nil {
		p.workerFailed(name, "login", err)
		return nil
	}

	breaker := p.breakers.Get(name)
	for {
		if ctx.Err() != nil {
			bus.State(name, "stopped", "")
			return nil
		}
		if err := breaker.Allow(); err != nil {
			p.workerFailed(name, "session", err)
			return nil
		}

		item, ok := <-queue
		if !ok {
			bus.State(name, "done", "")
			return nil
		}

		bus.State(name, "working", item.Key.String())
		// An item in flight is finished even if the run is being stopped.
		itemCtx := context.WithoutCancel(ctx)
		patch, outcome := p.fetch(itemCtx, drv, breaker, item, log)

		res, err := p.store.Commit(item.Key, patch)
		if err != nil {
			bus.State(name, "failed", item.Key.String())
			return eris.Wrapf(err, "enrich: commit %s", item.Key)
		}
		p.record(outcome, res)
		bus.Count(source, string(outcome), 1)
		if len(res.NewColumns) > 0 {
			bus.Log(name, fmt.Sprintf("new columns %v", res.NewColumns))
		}
		log.Info("record processed",
			zap.Stringer("key", item.Key),
			zap.Int("seq", item.Seq),
			zap.String("outcome", string(outcome)),
			zap.Bool("rewrote", res.Rewrote),
		)
	}
}

func (p *Pool) login(ctx context.Context, drv driver.Driver, log *zap.Logger) error {
	ok, err := drv.IsAuthenticated(ctx)
	if err == nil && ok {
		return nil
	}
	cfg := p.opts.Retry
	cfg.ShouldRetry = func(err error) bool { return resilience.Classify(err) != resilience.ClassCanceled }
	cfg.OnRetry = resilience.RetryLogger(log, "authenticate")
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return drv.Authenticate(ctx, p.opts.Credentials)
	})
}

type outcome string

const (
	outcomeEnriched   outcome = "enriched"
	outcomePartial    outcome = "partial"
	outcomeOpenFailed outcome = "open_failed"
)

// fetch opens and reads one detail page. The returned patch always carries
// the standard detail columns; the marker is set unless the page could not
// be opened.
func (p *Pool) fetch(ctx context.Context, drv driver.Driver, breaker *resilience.Breaker, item model.WorkItem, log *zap.Logger) (model.Patch, outcome) {
	cfg := p.opts.Retry
	cfg.OnRetry = resilience.RetryLogger(log, "open detail page")
	openErr := breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, cfg, func(ctx context.Context) error {
			return drv.OpenDetailPage(ctx, item.URL)
		})
	})

	if openErr != nil {
		log.Warn("detail page could not be opened",
			zap.Stringer("key", item.Key),
			zap.String("url", item.URL),
			zap.Int("consecutive_failures", breaker.Failures()),
			zap.Error(openErr))
		var patch model.Patch
		cur, _ := p.store.Get(item.Key)
		for _, col := range model.StandardEnrichmentColumns {
			if cur == nil || cur.Get(col) == "" {
				patch.Set(col, model.NotFound)
			}
		}
		return patch, outcomeOpenFailed
	}

	res := outcomeEnriched
	patch, err := drv.ExtractDetailFields(ctx)
	if err != nil {
		res = outcomePartial
		log.Warn("detail extraction incomplete", zap.Stringer("key", item.Key), zap.Error(err))
	}
	for _, col := range model.StandardEnrichmentColumns {
		patch.SetDefault(col, model.NotFound)
	}
	patch.Set(model.ColEnriched, model.EnrichedYes)
	return patch, res
}

func (p *Pool) record(o outcome, res checkpoint.CommitResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o {
	case outcomeEnriched:
		p.sum.Enriched++
	case outcomePartial:
		p.sum.Partial++
	case outcomeOpenFailed:
		p.sum.OpenFailed++
	}
	if res.Rewrote {
		p.sum.Rewrites++
	}
	p.sum.NewColumns = append(p.sum.NewColumns, res.NewColumns...)
}

func (p *Pool) workerFailed(name, stage string, err error) {
	p.mu.Lock()
	p.sum.WorkersFailed++
	p.mu.Unlock()
	p.log.Error("worker failed", zap.String("worker", name), zap.String("stage", stage), zap.Error(err))
	p.opts.Bus.State(name, "failed", "")
	p.opts.Bus.Log(name, fmt.Sprintf("%s failed: %v", stage, err))
}
