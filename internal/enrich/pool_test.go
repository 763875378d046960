package enrich

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-harvester/internal/checkpoint"
	"github.com/sells-group/catalog-harvester/internal/model"
	"github.com/sells-group/catalog-harvester/internal/resilience"
	"github.com/sells-group/catalog-harvester/internal/status"
)

func courseURL(i int) string {
	return fmt.Sprintf("https://catalog.test/course/%d", i)
}

func courseKey(i int) model.Key {
	return model.NewKey(fmt.Sprintf("c%d", i), "u1")
}

// seed writes n harvested records and serves a detail page for each.
func seed(t *testing.T, n int, site *fakeSite) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courses.csv")
	st, err := checkpoint.Open(path, checkpoint.DefaultOptions())
	require.NoError(t, err)
	for i := range n {
		st.Merge(model.NewRecord(map[string]string{
			model.ColTitle:        fmt.Sprintf("c%d", i),
			model.ColOrganization: "u1",
			model.ColURL:          courseURL(i),
			model.ColPrimary:      "UG",
		}))
		site.pages[courseURL(i)] = &detailPage{fields: model.Patch{{Name: "Campus", Value: "Main"}}}
	}
	require.NoError(t, st.Flush())
	return path
}

func reopen(t *testing.T, path string) *checkpoint.Store {
	t.Helper()
	st, err := checkpoint.Open(path, checkpoint.DefaultOptions())
	require.NoError(t, err)
	return st
}

func fastOptions() Options {
	return Options{
		Workers: 1,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestPool_EnrichesEveryRecord(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 20, site)
	st := reopen(t, path)

	opts := fastOptions()
	opts.Workers = 3
	sum, err := NewPool(st, site.factory(), opts).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, sum.Queue.Queued)
	assert.Equal(t, 20, sum.Enriched)
	assert.Zero(t, sum.WorkersFailed)
	assert.Equal(t, 3, site.closed)

	after := reopen(t, path)
	state := checkpoint.Enrichment(after)
	assert.Len(t, state.Done, 20)
	assert.Empty(t, state.Pending)

	r, ok := after.Get(courseKey(7))
	require.True(t, ok)
	assert.Equal(t, "Main", r.Get("Campus"))
	assert.Equal(t, model.NotFound, r.Get("Remarks"))

	cols := after.Columns()
	assert.Equal(t, model.ColEnriched, cols[len(cols)-1])
}

func TestPool_NewColumnInsertedBeforeMarker(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 5, site)
	site.pages[courseURL(3)].fields = model.Patch{
		{Name: "Campus", Value: "North"},
		{Name: "IELTS Score", Value: "6.5"},
	}

	sum, err := NewPool(reopen(t, path), site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"IELTS Score"}, sum.NewColumns)
	assert.GreaterOrEqual(t, sum.Rewrites, 1)

	rows := readCSV(t, path)
	header := rows[0]
	ielts := slices.Index(header, "IELTS Score")
	require.NotEqual(t, -1, ielts)
	assert.Equal(t, model.ColEnriched, header[ielts+1])
	assert.Equal(t, model.ColEnriched, header[len(header)-1])
	for _, row := range rows[1:] {
		assert.Len(t, row, len(header))
	}

	after := reopen(t, path)
	r3, _ := after.Get(courseKey(3))
	assert.Equal(t, "6.5", r3.Get("IELTS Score"))
	r1, _ := after.Get(courseKey(1))
	assert.Empty(t, r1.Get("IELTS Score"))
	assert.True(t, r1.Enriched())
}

func TestPool_SkipsRecordsWithoutURL(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 2, site)
	st := reopen(t, path)
	st.Merge(model.NewRecord(map[string]string{model.ColTitle: "x", model.ColOrganization: "u9", model.ColURL: model.NotFound}))
	st.Merge(model.NewRecord(map[string]string{model.ColTitle: "y", model.ColOrganization: "u9"}))
	require.NoError(t, st.Flush())

	sum, err := NewPool(st, site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Queue.NoURL)
	assert.Equal(t, 2, sum.Enriched)

	r, _ := st.Get(model.NewKey("x", "u9"))
	assert.False(t, r.Enriched())
}

func TestPool_RetriesTransientOpen(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 1, site)
	site.pages[courseURL(0)].flaky = 2

	sum, err := NewPool(reopen(t, path), site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enriched)
	assert.Equal(t, 3, site.Opened(courseURL(0)))
}

func TestPool_OpenFailureLeavesRecordPending(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 2, site)
	site.pages[courseURL(1)].broken = true

	sum, err := NewPool(reopen(t, path), site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enriched)
	assert.Equal(t, 1, sum.OpenFailed)
	assert.Equal(t, 1, site.Opened(courseURL(1)), "permanent failures are not retried")

	after := reopen(t, path)
	r, _ := after.Get(courseKey(1))
	assert.False(t, r.Enriched())
	assert.Equal(t, model.NotFound, r.Get("Campus"))

	// The next run picks it up again.
	site.pages[courseURL(1)].broken = false
	sum, err = NewPool(after, site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Queue.Queued)
	assert.Equal(t, 1, sum.Enriched)
	r, _ = after.Get(courseKey(1))
	assert.Equal(t, "Main", r.Get("Campus"))
}

func TestPool_PartialExtractionIsDone(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 1, site)
	site.pages[courseURL(0)].extractErr = assert.AnError

	sum, err := NewPool(reopen(t, path), site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Partial)

	r, _ := reopen(t, path).Get(courseKey(0))
	assert.True(t, r.Enriched())
	assert.Equal(t, "Main", r.Get("Campus"))
	assert.Equal(t, model.NotFound, r.Get("State"))
}

func TestPool_LoginFailureMarksWorkerFailed(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 6, site)
	site.loginFails[1] = true

	bus := status.NewBus(256)
	opts := fastOptions()
	opts.Workers = 2
	opts.Bus = bus
	sum, err := NewPool(reopen(t, path), site.factory(), opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.WorkersFailed)
	assert.Equal(t, 6, sum.Enriched)

	bus.Close()
	board := status.NewBoard(bus, 0)
	board.Run(context.Background())
	snap := board.Snapshot()
	assert.Equal(t, "failed", snap.Sources["worker-1"].State)
	assert.Equal(t, "done", snap.Sources["worker-2"].State)
	assert.Equal(t, 6, snap.Counters["enriched"])
}

func TestPool_NoWorkers(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 3, site)
	site.startFails[1] = true
	site.loginFails[2] = true

	opts := fastOptions()
	opts.Workers = 2
	sum, err := NewPool(reopen(t, path), site.factory(), opts).Run(context.Background())
	require.ErrorIs(t, err, ErrNoWorkers)
	assert.Equal(t, 2, sum.WorkersFailed)
	assert.Len(t, checkpoint.Enrichment(reopen(t, path)).Pending, 3)
}

func TestPool_BreakerEndsSession(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 5, site)
	for _, p := range site.pages {
		p.broken = true
	}

	opts := fastOptions()
	opts.BreakerThreshold = 2
	pool := NewPool(reopen(t, path), site.factory(), opts)
	sum, err := pool.Run(context.Background())
	require.ErrorIs(t, err, ErrNoWorkers)
	assert.Equal(t, 2, sum.OpenFailed)
	assert.Equal(t, 1, sum.WorkersFailed)
	assert.Equal(t, resilience.BreakerOpen, pool.Breakers().States()["worker-1"])
}

func TestPool_BreakerCountsConsecutiveOpenFailures(t *testing.T) {
	tests := []struct {
		name         string
		broken       []int
		wantFailures int
	}{
		{name: "all pages open", wantFailures: 0},
		{name: "below threshold", broken: []int{0, 1}, wantFailures: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newFakeSite()
			path := seed(t, 2, site)
			for _, i := range tt.broken {
				site.pages[courseURL(i)].broken = true
			}

			opts := fastOptions()
			opts.BreakerThreshold = 5
			pool := NewPool(reopen(t, path), site.factory(), opts)
			sum, err := pool.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(tt.broken), sum.OpenFailed)

			b := pool.Breakers().Get("worker-1")
			assert.Equal(t, tt.wantFailures, b.Failures())
			assert.Equal(t, resilience.BreakerClosed, b.State())
		})
	}
}

func TestPool_RequeuesMargin(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 5, site)

	_, err := NewPool(reopen(t, path), site.factory(), fastOptions()).Run(context.Background())
	require.NoError(t, err)

	opts := fastOptions()
	opts.Margin = 2
	sum, err := NewPool(reopen(t, path), site.factory(), opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Queue.Requeued)
	assert.Equal(t, 2, sum.Enriched)

	for i := range 5 {
		want := 1
		if i >= 3 {
			want = 2
		}
		assert.Equal(t, want, site.Opened(courseURL(i)), "course %d", i)
	}
	assert.Len(t, checkpoint.Enrichment(reopen(t, path)).Done, 5)
}

func TestPool_CommitFailureAborts(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 3, site)
	dir := filepath.Dir(path)
	t.Cleanup(func() { os.Remove(dir) }) //nolint:errcheck
	st := reopen(t, path)

	site.pages[courseURL(0)].onExtract = func() {
		// A file where the directory was makes every write fail.
		assert.NoError(t, os.RemoveAll(dir))
		assert.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))
	}

	sum, err := NewPool(st, site.factory(), fastOptions()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.Zero(t, sum.Enriched)
	assert.Zero(t, site.Opened(courseURL(1)))
}

func TestBuildQueue_SeedsDetailColumns(t *testing.T) {
	site := newFakeSite()
	path := seed(t, 3, site)
	st := reopen(t, path)

	queue, qs, err := BuildQueue(st, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, qs.Queued)
	assert.Len(t, queue, 3)

	header := readCSV(t, path)[0]
	for _, col := range model.StandardEnrichmentColumns {
		assert.Less(t, slices.Index(header, col), slices.Index(header, model.ColEnriched), col)
	}

	first := <-queue
	assert.Equal(t, courseKey(0), first.Key)
	assert.Equal(t, courseURL(0), first.URL)
}
