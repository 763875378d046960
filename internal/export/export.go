// Package export writes the checkpoint table to spreadsheet formats.
package export

import (
	"encoding/csv"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-harvester/internal/model"
)

// Table is the read side of a checkpoint.
type Table interface {
	Columns() []string
	Records() []*model.Record
}

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Courses"

// maxCellLen is the longest string a spreadsheet cell accepts.
const maxCellLen = 32767

// WriteXLSX writes t as one sheet: the header row, then one row per record
// in checkpoint order.
func WriteXLSX(t Table, path string) (int, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return 0, eris.Wrap(err, "xlsx: add sheet")
	}

	cols := t.Columns()
	addRow(sheet, cols)
	recs := t.Records()
	for _, r := range recs {
		addRow(sheet, r.Row(cols))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrapf(err, "xlsx: create dir for %s", path)
	}
	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "xlsx: save %s", path)
	}
	return len(recs), nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		if len(v) > maxCellLen {
			v = v[:maxCellLen]
		}
		row.AddCell().SetString(v)
	}
}

// WriteCSV writes a compacted copy of t: one row per record, no superseded
// rows.
func WriteCSV(t Table, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrapf(err, "csv: create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "csv: create %s", path)
	}

	cols := t.Columns()
	recs := t.Records()
	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		f.Close() //nolint:errcheck
		return 0, eris.Wrap(err, "csv: write header")
	}
	for _, r := range recs {
		if err := w.Write(r.Row(cols)); err != nil {
			f.Close() //nolint:errcheck
			return 0, eris.Wrap(err, "csv: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close() //nolint:errcheck
		return 0, eris.Wrap(err, "csv: flush")
	}
	return len(recs), eris.Wrapf(f.Close(), "csv: close %s", path)
}
