package main

import (
	"context"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-harvester/internal/checkpoint"
	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/profile"
	"github.com/sells-group/catalog-harvester/internal/resilience"
	"github.com/sells-group/catalog-harvester/internal/status"
	"github.com/sells-group/catalog-harvester/internal/store"
)

func initStore(ctx context.Context) (store.RunLog, error) {
	return store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
}

// loadProfile reads the configured site profile, or the built-in one when no
// path is set.
func loadProfile() (*profile.Profile, error) {
	prof := profile.Default()
	if cfg.Profile.Path != "" {
		p, err := profile.Load(cfg.Profile.Path)
		if err != nil {
			return nil, err
		}
		prof = p
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return prof, nil
}

// checkpointPath returns the --checkpoint flag, falling back to config.
func checkpointPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("checkpoint"); p != "" {
		return p
	}
	return cfg.Checkpoint.Path
}

// openCheckpoint opens the checkpoint with every dimension column of prof
// merged as a tag set.
func openCheckpoint(path string, prof *profile.Profile) (*checkpoint.Store, error) {
	opts := checkpoint.Options{CompactRatio: cfg.Checkpoint.CompactRatio}
	if prof != nil {
		tags := append([]string(nil), model.TagColumns...)
		for _, d := range prof.Dimensions.All() {
			tags = appendUnique(tags, d.Column)
		}
		opts.TagColumns = tags
	}
	return checkpoint.Open(path, opts)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func credentials() driver.Credentials {
	return driver.Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password}
}

func retryConfig() resilience.RetryConfig {
	r := cfg.Retry
	return resilience.FromConfig(r.MaxAttempts, r.InitialBackoff, r.MaxBackoff, r.Multiplier, r.Jitter)
}

// driverOptions maps the browser config onto the chromedp driver.
func driverOptions() driver.Options {
	b := cfg.Browser
	return driver.Options{
		Headless:      b.Headless,
		ChromePath:    b.ChromePath,
		UserDataDir:   b.UserDataDir,
		ActionTimeout: b.ActionTimeout,
		PageTimeout:   b.PageTimeout,
		DetailTimeout: b.DetailTimeout,
		Settle:        b.Settle,
	}
}

// detailLimiter paces detail-page opens across every enrichment worker.
// It is nil when enrich.rate_per_sec is zero.
func detailLimiter() *rate.Limiter {
	if cfg.Enrich.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.Enrich.RatePerSec), max(cfg.Enrich.Burst, 1))
}

// startStatus starts the status board and its HTTP endpoint when
// status.addr is set. The returned stop func closes the bus and waits for
// both to exit. A nil bus is returned when status is disabled.
func startStatus(ctx context.Context) (*status.Bus, func()) {
	if cfg.Status.Addr == "" {
		return nil, func() {}
	}

	bus := status.NewBus(cfg.Status.Buffer)
	board := status.NewBoard(bus, cfg.Status.Recent)
	sctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		board.Run(sctx)
	}()
	go func() {
		defer wg.Done()
		if err := status.Serve(sctx, cfg.Status.Addr, board); err != nil {
			zap.L().Warn("status server stopped", zap.Error(err))
		}
	}()

	return bus, func() {
		bus.Close()
		cancel()
		wg.Wait()
	}
}
