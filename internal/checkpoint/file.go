package checkpoint

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-harvester/internal/model"
)

// table is the parsed content of a checkpoint file.
type table struct {
	header  []string
	records []*model.Record
	// rows counts the data rows kept, including rows later superseded by a
	// newer row for the same key.
	rows    int
	dropped int
	// tornTail is set when the final row was unreadable or the file does
	// not end in a newline, typically an append interrupted by a hard kill.
	tornTail bool
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	complete, err := endsWithNewline(f)
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: inspect %s", path)
	}

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	t := &table{}
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return t, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read header of %s", path)
	}
	t.header = header

	log := zap.L().With(zap.String("component", "checkpoint"), zap.String("path", path))
	pendingBad := false
	lastKept := false
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || len(row) != len(header) {
			if pendingBad {
				t.dropped++
			}
			pendingBad = true
			lastKept = false
			if err != nil {
				log.Warn("checkpoint: unreadable row", zap.Error(err))
			}
			continue
		}
		if pendingBad {
			t.dropped++
			pendingBad = false
		}

		fields := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			// The first of duplicate columns wins.
			if _, dup := fields[col]; dup {
				continue
			}
			fields[col] = row[i]
		}
		rec := &model.Record{Fields: fields}
		if rec.Key().IsZero() {
			t.dropped++
			lastKept = false
			continue
		}
		t.records = append(t.records, rec)
		t.rows++
		lastKept = true
	}
	t.tornTail = pendingBad

	// A last row without its newline may have lost the end of its final
	// field while keeping the full field count.
	if !complete {
		if lastKept {
			t.records = t.records[:len(t.records)-1]
			t.rows--
			t.dropped++
			log.Warn("checkpoint: dropping unterminated last row")
		}
		t.tornTail = true
	}
	return t, nil
}

// endsWithNewline reports whether f is empty or its last byte is '\n'.
func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// appendRows appends rows to an existing checkpoint. On any failure the file
// is truncated back to its previous length so no partial row survives.
func appendRows(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return eris.Wrapf(err, "checkpoint: open %s for append", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "checkpoint: stat %s", path)
	}
	size := info.Size()

	w := csv.NewWriter(f)
	err = w.WriteAll(rows)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(size); terr != nil {
			zap.L().Error("checkpoint: truncate after failed append",
				zap.String("path", path), zap.Error(terr))
		}
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "checkpoint: append %d rows to %s", len(rows), path)
	}
	return eris.Wrapf(f.Close(), "checkpoint: close %s", path)
}

// writeAtomic writes header and rows to a temp file next to path and renames
// it over path, so readers only ever see the old or the new content.
func writeAtomic(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "checkpoint: create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
	}

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: write rows")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: sync temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "checkpoint: close temp")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrapf(err, "checkpoint: replace %s", path)
	}
	return nil
}
