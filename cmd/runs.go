package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-harvester/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect harvest and enrichment run history",
	Long:  "Commands for listing runs and viewing the steps of one run.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		phase, _ := cmd.Flags().GetString("phase")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		switch store.Phase(phase) {
		case "", store.PhaseTraverse, store.PhaseEnrich:
		default:
			return eris.Errorf("runs list: unknown phase %q", phase)
		}

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Phase:  store.Phase(phase),
			Status: store.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its traversal steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		steps, err := st.ListSteps(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*store.Run
				Steps []store.Step `json:"steps,omitempty"`
			}{run, steps})
		}

		formatRun(os.Stdout, run, steps)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("phase", "", "filter by phase (traverse, enrich)")
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("json", false, "print the run as JSON")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPHASE\tSTATUS\tRECORDS\tCHECKPOINT\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t-------\t----------\t-------\t--------")

	for _, r := range runs {
		records := "-"
		if r.Stats != nil {
			records = fmt.Sprint(r.Stats.Records)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Phase,
			r.Status,
			records,
			r.Checkpoint,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.StartedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

// formatRun writes one run and its steps to out.
func formatRun(out io.Writer, r *store.Run, steps []store.Step) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Phase:\t%s\n", r.Phase)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Checkpoint:\t%s\n", r.Checkpoint)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", r.StartedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Updated:\t%s\n", r.UpdatedAt.Format(time.RFC3339))
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	if s := r.Stats; s != nil {
		_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Records)
		if r.Phase == store.PhaseEnrich {
			_, _ = fmt.Fprintf(w, "Enriched:\t%d\n", s.Enriched)
			_, _ = fmt.Fprintf(w, "Unreachable:\t%d\n", s.Failed)
			_, _ = fmt.Fprintf(w, "Workers:\t%d\n", s.Workers)
		}
		_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
		if len(s.NewColumns) > 0 {
			_, _ = fmt.Fprintf(w, "New columns:\t%v\n", s.NewColumns)
		}
	}

	if len(steps) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "PRIMARY\tDIMENSION\tVALUE\tOUTCOME\tRECORDS\tERROR")
		for _, s := range steps {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.Primary, s.Dimension, s.Value, s.Outcome, s.Records, s.Error)
		}
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
