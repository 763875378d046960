// Package enrich fetches every record's detail page with a pool of browser
// sessions and merges the detail fields back into the checkpoint.
package enrich

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-harvester/internal/checkpoint"
	"github.com/sells-group/catalog-harvester/internal/model"
)

// QueueStats describes how the work queue was built.
type QueueStats struct {
	Records  int
	Done     int
	Requeued int
	Queued   int
	NoURL    int
}

// BuildQueue prepares the checkpoint for enrichment and returns a closed,
// buffered channel holding one item per record still to fetch. The standard
// detail columns and the marker are added to the schema, and the margin most
// recently completed records lose their marker so they are fetched again.
// Records without a usable URL are left out.
func BuildQueue(st *checkpoint.Store, margin int) (<-chan model.WorkItem, QueueStats, error) {
	log := zap.L().With(zap.String("component", "enrich"))

	cols := append(append([]string(nil), model.StandardEnrichmentColumns...), model.ColEnriched)
	if st.EnsureColumns(cols...) {
		if err := st.Rewrite(); err != nil {
			return nil, QueueStats{}, eris.Wrap(err, "enrich: add detail columns")
		}
	}

	requeued, err := checkpoint.RequeueTail(st, margin)
	if err != nil {
		return nil, QueueStats{}, eris.Wrap(err, "enrich: requeue tail")
	}

	state := checkpoint.Enrichment(st)
	qs := QueueStats{
		Records:  st.Len(),
		Done:     len(state.Done),
		Requeued: len(requeued),
	}

	items := make([]model.WorkItem, 0, len(state.Pending))
	for i, r := range state.Pending {
		u, ok := r.DetailURL()
		if !ok {
			qs.NoURL++
			log.Debug("record has no detail url", zap.Stringer("key", r.Key()))
			continue
		}
		items = append(items, model.WorkItem{Key: r.Key(), URL: u, Seq: i})
	}
	qs.Queued = len(items)

	queue := make(chan model.WorkItem, len(items))
	for _, it := range items {
		queue <- it
	}
	close(queue)

	log.Info("work queue built",
		zap.Int("records", qs.Records),
		zap.Int("done", qs.Done),
		zap.Int("requeued", qs.Requeued),
		zap.Int("queued", qs.Queued),
		zap.Int("no_url", qs.NoURL),
	)
	return queue, qs, nil
}
