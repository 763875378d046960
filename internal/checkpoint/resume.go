package checkpoint

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-harvester/internal/model"
)

// PrimaryProgress describes where a traversal should pick up.
type PrimaryProgress struct {
	// Completed holds the primary values treated as done.
	Completed map[string]bool
	// InProgress is the index into values of the last primary value with any
	// records, or -1 when nothing has been harvested yet. That value is
	// restarted from its first sub-dimension value.
	InProgress int
}

// ResumePrimary finds the last primary value (in declared order) that has any
// records in column and marks every earlier value as completed.
func ResumePrimary(s *Store, column string, values []string) PrimaryProgress {
	p := PrimaryProgress{Completed: make(map[string]bool), InProgress: -1}

	recs := s.Records()
	for i := len(values) - 1; i >= 0; i-- {
		if hasPrimary(recs, column, values[i]) {
			p.InProgress = i
			break
		}
	}
	for i := 0; i < p.InProgress; i++ {
		p.Completed[values[i]] = true
	}
	return p
}

func hasPrimary(recs []*model.Record, column, value string) bool {
	for _, r := range recs {
		if model.HasTag(r.Get(column), value) {
			return true
		}
	}
	return false
}

// EnrichmentState splits the store into done and pending records. Done
// records are ordered by completion, oldest first.
type EnrichmentState struct {
	Done    []*model.Record
	Pending []*model.Record
}

// Enrichment reports which records carry the terminal marker.
func Enrichment(s *Store) EnrichmentState {
	var st EnrichmentState
	for _, r := range s.Records() {
		if r.Enriched() {
			st.Done = append(st.Done, r)
		} else {
			st.Pending = append(st.Pending, r)
		}
	}
	return st
}

// RequeueTail strips the marker from the k most recently completed records
// and rewrites the checkpoint, so a record whose row was written but whose
// page state was not fully captured before a hard stop is fetched again.
// It returns the requeued keys, most recent first.
func RequeueTail(s *Store, k int) ([]model.Key, error) {
	if k <= 0 {
		return nil, nil
	}
	done := Enrichment(s).Done
	if len(done) == 0 {
		return nil, nil
	}
	if k > len(done) {
		k = len(done)
	}

	tail := done[len(done)-k:]
	keys := make([]model.Key, 0, k)
	for i := len(tail) - 1; i >= 0; i-- {
		keys = append(keys, tail[i].Key())
	}

	s.StripMarker(keys)
	if err := s.Rewrite(); err != nil {
		return nil, eris.Wrap(err, "checkpoint: rewrite after requeue")
	}
	return keys, nil
}

// PrimaryCounts counts records per primary value, in declared order, for
// status reporting. Values not in the declared list are counted under their
// raw tag string.
func PrimaryCounts(s *Store, column string, values []string) map[string]int {
	counts := make(map[string]int, len(values))
	for _, r := range s.Records() {
		matched := false
		for _, v := range values {
			if model.HasTag(r.Get(column), v) {
				counts[v]++
				matched = true
			}
		}
		if !matched {
			counts[r.Get(column)]++
		}
	}
	return counts
}

// SortedKeys returns the keys of counts in lexical order.
func SortedKeys(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
