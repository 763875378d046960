package traverse

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-harvester/internal/driver"
	"github.com/sells-group/catalog-harvester/internal/model"
)

// PageSource is a paged result set.
type PageSource interface {
	// PageCount returns the number of result pages; zero means no results.
	PageCount(ctx context.Context) (int, error)
	// CurrentPageRecords extracts the records of the current page.
	CurrentPageRecords(ctx context.Context) ([]*model.Record, error)
	// AdvancePage moves to the next page; false means there is none.
	AdvancePage(ctx context.Context) (bool, error)
}

// WalkStats counts what one walk visited.
type WalkStats struct {
	Pages      int
	Records    int
	PageErrors int
}

// WalkPages visits every page of src and hands each page's records to fn.
// A page that fails to extract contributes no records; an advance failure
// ends the walk. Only a PageCount failure is returned.
func WalkPages(ctx context.Context, src PageSource, fn func([]*model.Record)) (WalkStats, error) {
	log := zap.L().With(zap.String("component", "traverse"))

	var st WalkStats
	count, err := src.PageCount(ctx)
	if err != nil {
		return st, eris.Wrap(err, "traverse: read page count")
	}

	for page := 1; page <= count; page++ {
		st.Pages++
		recs, err := src.CurrentPageRecords(ctx)
		if err != nil {
			st.PageErrors++
			log.Warn("page extraction failed", zap.Int("page", page), zap.Int("pages", count), zap.Error(err))
		} else {
			st.Records += len(recs)
			fn(recs)
		}

		if page == count {
			break
		}
		ok, err := src.AdvancePage(ctx)
		if err != nil {
			log.Debug("advance failed, treating as end of results", zap.Int("page", page), zap.Error(err))
			break
		}
		if !ok {
			break
		}
	}
	return st, nil
}

// DriverPages adapts a driver's current result set to PageSource.
type DriverPages struct {
	Driver driver.Driver
}

func (p DriverPages) PageCount(ctx context.Context) (int, error) {
	info, err := p.Driver.ResultPageInfo(ctx)
	if errors.Is(err, driver.ErrNoResults) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.NoResults {
		return 0, nil
	}
	return info.Pages, nil
}

func (p DriverPages) CurrentPageRecords(ctx context.Context) ([]*model.Record, error) {
	raw, err := p.Driver.ExtractCurrentPageRaw(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]*model.Record, 0, len(raw))
	for _, fields := range raw {
		recs = append(recs, model.NewRecord(fields))
	}
	return recs, nil
}

func (p DriverPages) AdvancePage(ctx context.Context) (bool, error) {
	return p.Driver.AdvancePage(ctx)
}
