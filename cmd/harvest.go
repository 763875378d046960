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
	"github.com/sells-group/catalog-harvester/internal/store"
	"github.com/sells-group/catalog-harvester/internal/traverse"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Traverse the catalog filters into the checkpoint",
	Long: "Walks every primary, secondary and tertiary filter value, extracts each result page " +
		"and merges the records into the CSV checkpoint. An interrupted harvest resumes " +
		"from the last primary value that has records.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("harvest"); err != nil {
			return err
		}

		prof, err := loadProfile()
		if err != nil {
			return err
		}
		primary, _ := cmd.Flags().GetStringSlice("primary")
		if len(primary) == 0 {
			primary = cfg.Traverse.Primary
		}
		if err := prof.SelectPrimary(primary); err != nil {
			return err
		}

		path := checkpointPath(cmd)
		st, err := openCheckpoint(path, prof)
		if err != nil {
			return err
		}

		dims := cfg.Traverse.Dimensions
		if cmd.Flags().Changed("dimensions") {
			dims, _ = cmd.Flags().GetString("dimensions")
		}
		sub, err := traverse.ParseSubDimensions(dims)
		if err != nil {
			return err
		}

		basePass := cfg.Traverse.BasePass
		if cmd.Flags().Changed("base-pass") {
			basePass, _ = cmd.Flags().GetBool("base-pass")
		}

		log := zap.L().With(zap.String("command", "harvest"))

		runLog, err := initStore(ctx)
		if err != nil {
			log.Warn("run log unavailable", zap.Error(err))
			runLog = nil
		} else {
			defer runLog.Close() //nolint:errcheck
		}

		var runID string
		if runLog != nil {
			run, err := runLog.StartRun(ctx, store.PhaseTraverse, path)
			if err != nil {
				log.Warn("start run", zap.Error(err))
			} else {
				runID = run.ID
			}
		}

		bus, stopStatus := startStatus(ctx)
		defer stopStatus()

		drv, err := driver.NewChrome(ctx, prof, driverOptions())
		if err != nil {
			failRun(cmd, runLog, runID, err)
			return err
		}
		defer drv.Close() //nolint:errcheck

		m := traverse.New(drv, st, traverse.Options{
			Credentials: credentials(),
			BasePass:    basePass,
			Retry:       retryConfig(),
			Bus:         bus,
			RunLog:      runLog,
			RunID:       runID,
		})

		plan := traverse.PlanFromProfile(prof)
		plan.Sub = sub
		stats, runErr := m.Run(ctx, plan)
		if runErr != nil {
			failRun(cmd, runLog, runID, runErr)
			return eris.Wrap(runErr, "harvest")
		}

		if runLog != nil && runID != "" {
			if err := runLog.CompleteRun(cmd.Context(), runID, store.RunStats{
				Records: st.Len(),
				Skipped: stats.Skipped,
			}); err != nil {
				log.Warn("complete run", zap.Error(err))
			}
		}

		fmt.Fprintf(os.Stdout, "harvest complete: %d values, %d pages, %d records extracted, %d changed, %d skipped, %d without results\n",
			stats.Values, stats.Pages, stats.Records, stats.Changed, stats.Skipped, stats.NoResults)
		fmt.Fprintf(os.Stdout, "checkpoint %s holds %d records\n", st.Path(), st.Len())
		return nil
	},
}

// failRun marks the run failed. The run log never decides the outcome of a
// command, so its own errors are only logged.
func failRun(cmd *cobra.Command, runLog store.RunLog, runID string, cause error) {
	if runLog == nil || runID == "" {
		return
	}
	if err := runLog.FailRun(cmd.Context(), runID, cause.Error()); err != nil {
		zap.L().Warn("fail run", zap.String("run_id", runID), zap.Error(err))
	}
}

func init() {
	harvestCmd.Flags().String("checkpoint", "", "checkpoint CSV path (default from checkpoint.path)")
	harvestCmd.Flags().StringSlice("primary", nil, "primary values to traverse, by name or 1-based index (default all)")
	harvestCmd.Flags().Bool("base-pass", true, "search each primary value alone before the tag loops")
	harvestCmd.Flags().String("dimensions", "both", "sub-dimension loops to run: both, or secondary / tertiary to refresh one tag column of an existing checkpoint")
	rootCmd.AddCommand(harvestCmd)
}
