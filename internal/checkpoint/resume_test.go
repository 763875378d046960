package checkpoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-harvester/internal/model"
)

var levels = []string{"Diploma", "Bachelor", "Master", "Doctorate"}

func TestResumePrimary(t *testing.T) {
	tests := []struct {
		name       string
		seen       []string
		wantIndex  int
		wantClosed []string
	}{
		{name: "empty checkpoint", wantIndex: -1},
		{name: "first value in progress", seen: []string{"Diploma"}, wantIndex: 0},
		{
			name:       "last seen value wins even with gaps",
			seen:       []string{"Diploma", "Master"},
			wantIndex:  2,
			wantClosed: []string{"Diploma", "Bachelor"},
		},
		{
			name:       "undeclared values ignored",
			seen:       []string{"Bachelor", "Certificate"},
			wantIndex:  1,
			wantClosed: []string{"Diploma"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			for i, lvl := range tt.seen {
				s.Merge(course(fmt.Sprintf("c%d", i), "u", model.ColPrimary, lvl))
			}

			p := ResumePrimary(s, model.ColPrimary, levels)
			assert.Equal(t, tt.wantIndex, p.InProgress)
			assert.Len(t, p.Completed, len(tt.wantClosed))
			for _, v := range tt.wantClosed {
				assert.True(t, p.Completed[v], v)
			}
		})
	}
}

func TestResumePrimary_MultiTaggedRecord(t *testing.T) {
	s, _ := newTestStore(t)
	s.Merge(course("c1", "u", model.ColPrimary, "Bachelor"))
	s.Merge(course("c1", "u", model.ColPrimary, "Doctorate"))

	p := ResumePrimary(s, model.ColPrimary, levels)
	assert.Equal(t, 3, p.InProgress)
	assert.Len(t, p.Completed, 3)
}

func TestEnrichment_SplitsByMarker(t *testing.T) {
	s, _ := newTestStore(t)
	s.Merge(course("c1", "u"))
	s.Merge(course("c2", "u", model.ColEnriched, "YES "))
	s.Merge(course("c3", "u", model.ColEnriched, "no"))

	st := Enrichment(s)
	require.Len(t, st.Done, 1)
	assert.Equal(t, "c2", st.Done[0].Get(model.ColTitle))
	assert.Len(t, st.Pending, 2)
}

func seedCompleted(t *testing.T, s *Store, n int) []model.Key {
	t.Helper()
	s.EnsureColumns(model.ColEnriched)
	keys := make([]model.Key, n)
	for i := 0; i < n; i++ {
		rec := course(fmt.Sprintf("c%02d", i), "u")
		s.Merge(rec)
		keys[i] = rec.Key()
	}
	require.NoError(t, s.Flush())
	// Complete in reverse insertion order so completion order differs from
	// listing order.
	for i := n - 1; i >= 0; i-- {
		_, err := s.Commit(keys[i], model.Patch{{Name: model.ColEnriched, Value: model.EnrichedYes}})
		require.NoError(t, err)
	}
	return keys
}

func TestRequeueTail_StripsMostRecentlyCompleted(t *testing.T) {
	s, path := newTestStore(t)
	keys := seedCompleted(t, s, 12)

	requeued, err := RequeueTail(s, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 10)
	// The last completion was keys[0], so it comes first.
	assert.Equal(t, keys[0], requeued[0])
	assert.Equal(t, keys[9], requeued[9])

	reopened, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	st := Enrichment(reopened)
	require.Len(t, st.Done, 2)
	assert.Len(t, st.Pending, 10)
	doneKeys := []model.Key{st.Done[0].Key(), st.Done[1].Key()}
	assert.ElementsMatch(t, []model.Key{keys[10], keys[11]}, doneKeys)
}

func TestRequeueTail_KLargerThanDone(t *testing.T) {
	s, _ := newTestStore(t)
	seedCompleted(t, s, 3)

	requeued, err := RequeueTail(s, 10)
	require.NoError(t, err)
	assert.Len(t, requeued, 3)
	assert.Empty(t, Enrichment(s).Done)
}

func TestRequeueTail_NothingDone(t *testing.T) {
	s, _ := newTestStore(t)
	s.Merge(course("c1", "u"))

	requeued, err := RequeueTail(s, 10)
	require.NoError(t, err)
	assert.Empty(t, requeued)

	requeued, err = RequeueTail(s, 0)
	require.NoError(t, err)
	assert.Empty(t, requeued)
}

func TestPrimaryCounts(t *testing.T) {
	s, _ := newTestStore(t)
	s.Merge(course("c1", "u", model.ColPrimary, "Bachelor"))
	s.Merge(course("c2", "u", model.ColPrimary, "Bachelor"))
	s.Merge(course("c2", "u", model.ColPrimary, "Master"))
	s.Merge(course("c3", "u", model.ColPrimary, "Other"))

	counts := PrimaryCounts(s, model.ColPrimary, levels)
	assert.Equal(t, map[string]int{"Bachelor": 2, "Master": 1, "Other": 1}, counts)
	assert.Equal(t, []string{"Bachelor", "Master", "Other"}, SortedKeys(counts))
}
