package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/enrich"
	"github.com/sells-group/catalog-harvester/internal/store"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fetch detail pages for every pending record",
	Long: "Queues every record without the completion marker and fetches its detail page " +
		"with a pool of browser sessions. The most recently completed records are fetched " +
		"again on start.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		workers := cfg.Enrich.Workers
		if cmd.Flags().Changed("workers") {
			workers, _ = cmd.Flags().GetInt("workers")
			cfg.Enrich.Workers = workers
		}
		margin := cfg.Checkpoint.SafetyMargin
		if cmd.Flags().Changed("margin") {
			margin, _ = cmd.Flags().GetInt("margin")
			cfg.Checkpoint.SafetyMargin = margin
		}
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		prof, err := loadProfile()
		if err != nil {
			return err
		}

		path := checkpointPath(cmd)
		st, err := openCheckpoint(path, prof)
		if err != nil {
			return err
		}

		log := zap.L().With(zap.String("command", "enrich"))

		runLog, err := initStore(ctx)
		if err != nil {
			log.Warn("run log unavailable", zap.Error(err))
			runLog = nil
		} else {
			defer runLog.Close() //nolint:errcheck
		}

		var runID string
		if runLog != nil {
			run, err := runLog.StartRun(ctx, store.PhaseEnrich, path)
			if err != nil {
				log.Warn("start run", zap.Error(err))
			} else {
				runID = run.ID
			}
		}

		bus, stopStatus := startStatus(ctx)
		defer stopStatus()

		opts := driverOptions()
		opts.Limiter = detailLimiter()

		pool := enrich.NewPool(st, driver.NewFactory(prof, opts), enrich.Options{
			Workers:          workers,
			Margin:           margin,
			Credentials:      credentials(),
			Retry:            retryConfig(),
			BreakerThreshold: cfg.Enrich.BreakerThreshold,
			Bus:              bus,
		})

		sum, runErr := pool.Run(ctx)
		if runErr != nil {
			failRun(cmd, runLog, runID, runErr)
			return eris.Wrap(runErr, "enrich")
		}

		if runLog != nil && runID != "" {
			if err := runLog.CompleteRun(cmd.Context(), runID, store.RunStats{
				Records:    st.Len(),
				Enriched:   sum.Enriched + sum.Partial,
				Failed:     sum.OpenFailed,
				Skipped:    sum.Queue.NoURL,
				Workers:    workers - sum.WorkersFailed,
				NewColumns: sum.NewColumns,
			}); err != nil {
				log.Warn("complete run", zap.Error(err))
			}
		}

		fmt.Fprintf(os.Stdout, "enrichment complete: %d queued (%d requeued), %d enriched, %d partial, %d unreachable, %d without URL\n",
			sum.Queue.Queued, sum.Queue.Requeued, sum.Enriched, sum.Partial, sum.OpenFailed, sum.Queue.NoURL)
		if len(sum.NewColumns) > 0 {
			fmt.Fprintf(os.Stdout, "new columns: %v\n", sum.NewColumns)
		}
		return nil
	},
}

func init() {
	enrichCmd.Flags().String("checkpoint", "", "checkpoint CSV path (default from checkpoint.path)")
	enrichCmd.Flags().Int("workers", 3, "concurrent browser sessions")
	enrichCmd.Flags().Int("margin", 10, "recently completed records to fetch again")
	rootCmd.AddCommand(enrichCmd)
}
