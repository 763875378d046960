package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-harvester/internal/checkpoint"
	"github.com/sells-group/catalog-harvester/internal/profile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise a checkpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		prof, err := loadProfile()
		if err != nil {
			return err
		}
		st, err := openCheckpoint(checkpointPath(cmd), prof)
		if err != nil {
			return err
		}
		formatSummary(os.Stdout, summarize(st, prof))
		return nil
	},
}

// checkpointSummary is what the status command reports.
type checkpointSummary struct {
	Path     string
	Records  int
	Done     int
	Pending  int
	NoURL    int
	Columns  int
	Primary  string
	Values   []string
	PerValue map[string]int
	LastDone string
}

func summarize(st *checkpoint.Store, prof *profile.Profile) checkpointSummary {
	es := checkpoint.Enrichment(st)
	s := checkpointSummary{
		Path:    st.Path(),
		Records: st.Len(),
		Done:    len(es.Done),
		Pending: len(es.Pending),
		Columns: len(st.Columns()),
	}
	for _, r := range es.Pending {
		if _, ok := r.DetailURL(); !ok {
			s.NoURL++
		}
	}
	if n := len(es.Done); n > 0 {
		s.LastDone = es.Done[n-1].Key().String()
	}

	dim := prof.Dimensions.Primary
	s.Primary = dim.Name
	s.PerValue = checkpoint.PrimaryCounts(st, dim.Column, dim.Values)

	// Declared values first, then anything the checkpoint holds beyond them.
	seen := make(map[string]bool, len(dim.Values))
	for _, v := range dim.Values {
		s.Values = append(s.Values, v)
		seen[v] = true
	}
	for _, v := range checkpoint.SortedKeys(s.PerValue) {
		if !seen[v] {
			s.Values = append(s.Values, v)
		}
	}
	return s
}

func formatSummary(out io.Writer, s checkpointSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Checkpoint:\t%s\n", s.Path)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Records)
	_, _ = fmt.Fprintf(w, "Enriched:\t%d\n", s.Done)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	if s.NoURL > 0 {
		_, _ = fmt.Fprintf(w, "  Without URL:\t%d\n", s.NoURL)
	}
	_, _ = fmt.Fprintf(w, "Columns:\t%d\n", s.Columns)
	if s.LastDone != "" {
		_, _ = fmt.Fprintf(w, "Last enriched:\t%s\n", s.LastDone)
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "%s\tRECORDS\n", s.Primary)
	for _, v := range s.Values {
		label := v
		if label == "" {
			label = "(none)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", label, s.PerValue[v])
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().String("checkpoint", "", "checkpoint CSV path (default from checkpoint.path)")
	rootCmd.AddCommand(statusCmd)
}
