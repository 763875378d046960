// Package checkpoint keeps the keyed record table in memory and mirrors it to
// a headered CSV file that both harvest phases can reopen after a crash.
package checkpoint

import (
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-harvester/internal/model"
)

// ErrUnknownKey is returned when a patch targets a record that is not in the store.
var ErrUnknownKey = eris.New("checkpoint: unknown record key")

// Options configures a Store.
type Options struct {
	// BaseColumns seed the schema of a new checkpoint and are added to an
	// existing one when missing. Default: model.BaseColumns.
	BaseColumns []string

	// TagColumns are merged as sets. Default: model.TagColumns.
	TagColumns []string

	// CompactRatio triggers a full rewrite when superseded rows in the file
	// exceed CompactRatio times the live record count. Zero disables
	// compaction. Default: 1.0.
	CompactRatio float64
}

func (o Options) withDefaults() Options {
	if o.BaseColumns == nil {
		o.BaseColumns = model.BaseColumns
	}
	if o.TagColumns == nil {
		o.TagColumns = model.TagColumns
	}
	if o.CompactRatio < 0 {
		o.CompactRatio = 0
	}
	return o
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{CompactRatio: 1.0}.withDefaults()
}

type entry struct {
	rec *model.Record
	// seq orders records by their last modification; the file is always
	// written in seq order so the tail holds the most recent writes.
	seq int
}

// Store is the keyed record table plus its schema and on-disk mirror. All
// exported methods are safe for concurrent use and share one mutex, so a
// Commit (merge + rewrite-or-append decision + write) is atomic with respect
// to every other store operation.
type Store struct {
	mu   sync.Mutex
	path string
	opts Options
	tags map[string]struct{}

	schema  *model.Schema
	entries map[model.Key]*entry
	nextSeq int

	dirty          map[model.Key]struct{}
	rewritePending bool
	fileExists     bool
	fileRows       int
}

// Open loads the checkpoint at path, or prepares an empty store when the file
// does not exist. Nothing is written until the first Flush.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	s := &Store{
		path:    path,
		opts:    opts,
		tags:    make(map[string]struct{}, len(opts.TagColumns)),
		entries: make(map[model.Key]*entry),
		dirty:   make(map[model.Key]struct{}),
	}
	for _, c := range opts.TagColumns {
		s.tags[c] = struct{}{}
	}

	t, err := readTable(path)
	switch {
	case errors.Is(err, os.ErrNotExist), err == nil && len(t.header) == 0:
		s.schema = model.NewSchema(opts.BaseColumns...)
		s.rewritePending = true
		return s, nil
	case err != nil:
		return nil, eris.Wrapf(err, "checkpoint: open %s", path)
	}

	s.fileExists = true
	s.fileRows = t.rows
	s.schema = model.NewSchema(t.header...)
	if s.schema.Len() != len(t.header) {
		// Blank or duplicate header names: rows appended under the reduced
		// schema would be narrower than the file header.
		zap.L().Warn("checkpoint: header has blank or duplicate columns",
			zap.String("path", path), zap.Strings("header", t.header))
		s.rewritePending = true
	}
	for _, c := range opts.BaseColumns {
		if s.schema.Ensure(c) {
			s.rewritePending = true
		}
	}
	if t.tornTail {
		// Force the next flush to rewrite the file without the torn row.
		s.rewritePending = true
	}

	for _, r := range t.records {
		k := r.Key()
		if e, ok := s.entries[k]; ok {
			e.rec = r
			e.seq = s.nextSeq
		} else {
			s.entries[k] = &entry{rec: r, seq: s.nextSeq}
		}
		s.nextSeq++
	}

	zap.L().Info("checkpoint: loaded",
		zap.String("path", path),
		zap.Int("rows", t.rows),
		zap.Int("records", len(s.entries)),
		zap.Int("columns", s.schema.Len()),
		zap.Int("dropped", t.dropped),
		zap.Bool("torn_tail", t.tornTail),
	)
	return s, nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Columns returns the current schema order.
func (s *Store) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema.Columns()
}

// Get returns a copy of the record for key.
func (s *Store) Get(key model.Key) (*model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.rec.Clone(), true
}

// Records returns copies of all records, least recently modified first.
func (s *Store) Records() []*model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := s.ordered()
	out := make([]*model.Record, len(ordered))
	for i, e := range ordered {
		out[i] = e.rec.Clone()
	}
	return out
}

// EnsureColumns adds any unknown columns and reports whether the schema changed.
func (s *Store) EnsureColumns(cols ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, c := range cols {
		if s.schema.Ensure(c) {
			changed = true
		}
	}
	if changed {
		s.rewritePending = true
	}
	return changed
}

// Merge upserts rec by key. Tag columns are set-unioned; other columns take a
// non-empty incoming value unless it is the not-found sentinel and a real
// value is already stored. Unknown columns extend the schema. Merge reports
// whether the stored record changed. Records without a title are ignored.
func (s *Store) Merge(rec *model.Record) bool {
	key := rec.Key()
	if key.IsZero() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureFieldColumns(rec.Fields)

	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{rec: rec.Clone()}
		s.touch(key)
		return true
	}

	changed := false
	for col, in := range rec.Fields {
		cur := e.rec.Fields[col]
		next := cur
		if _, isTag := s.tags[col]; isTag {
			next = model.MergeTag(cur, in)
		} else if in != "" && !(in == model.NotFound && cur != "" && cur != model.NotFound) {
			next = in
		}
		if next != cur {
			e.rec.Fields[col] = next
			changed = true
		}
	}
	if changed {
		s.touch(key)
	}
	return changed
}

// Flush writes pending changes: a full atomic rewrite when the schema changed,
// the file does not exist yet, or superseded rows need compacting; otherwise
// the changed records are appended.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.flush()
	return err
}

// Rewrite forces a full atomic rewrite of the checkpoint.
func (s *Store) Rewrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewrite()
}

// CommitResult describes what a Commit did.
type CommitResult struct {
	NewColumns []string
	Rewrote    bool
}

// Commit applies patch to key and flushes, all inside the store lock. This is
// the critical section shared by enrichment workers: schema mutation and the
// file write can never interleave between two callers.
func (s *Store) Commit(key model.Key, patch model.Patch) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res CommitResult
	added, err := s.patch(key, patch)
	if err != nil {
		return res, err
	}
	res.NewColumns = added

	rewrote, err := s.flush()
	res.Rewrote = rewrote
	return res, err
}

// StripMarker clears the enrichment marker of the given records without
// touching their modification order.
func (s *Store) StripMarker(keys []model.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if e, ok := s.entries[k]; ok && e.rec.Fields[model.ColEnriched] != "" {
			e.rec.Fields[model.ColEnriched] = ""
			s.rewritePending = true
		}
	}
}

func (s *Store) patch(key model.Key, patch model.Patch) ([]string, error) {
	e, ok := s.entries[key]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKey, "checkpoint: patch %s", key)
	}

	var added []string
	for _, f := range patch {
		if s.schema.Ensure(f.Name) {
			added = append(added, f.Name)
		}
		e.rec.Fields[f.Name] = f.Value
	}
	if len(added) > 0 {
		s.rewritePending = true
	}
	s.touch(key)
	return added, nil
}

func (s *Store) ensureFieldColumns(fields map[string]string) {
	var unknown []string
	for col := range fields {
		if !s.schema.Has(col) {
			unknown = append(unknown, col)
		}
	}
	sort.Strings(unknown)
	for _, c := range unknown {
		s.schema.Ensure(c)
		s.rewritePending = true
	}
}

func (s *Store) touch(key model.Key) {
	s.entries[key].seq = s.nextSeq
	s.nextSeq++
	s.dirty[key] = struct{}{}
}

func (s *Store) ordered() []*entry {
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Store) needsRewrite() bool {
	if s.rewritePending || !s.fileExists {
		return true
	}
	if s.opts.CompactRatio > 0 {
		live := len(s.entries)
		superseded := s.fileRows + len(s.dirty) - live
		if float64(superseded) > s.opts.CompactRatio*float64(live) {
			return true
		}
	}
	return false
}

func (s *Store) flush() (bool, error) {
	if s.needsRewrite() {
		return true, s.rewrite()
	}
	if len(s.dirty) == 0 {
		return false, nil
	}

	pending := make([]*entry, 0, len(s.dirty))
	for k := range s.dirty {
		pending = append(pending, s.entries[k])
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	cols := s.schema.Columns()
	rows := make([][]string, len(pending))
	for i, e := range pending {
		rows[i] = e.rec.Row(cols)
	}
	if err := appendRows(s.path, rows); err != nil {
		return false, err
	}
	s.fileRows += len(rows)
	clear(s.dirty)
	return false, nil
}

func (s *Store) rewrite() error {
	cols := s.schema.Columns()
	ordered := s.ordered()
	rows := make([][]string, len(ordered))
	for i, e := range ordered {
		rows[i] = e.rec.Row(cols)
	}
	if err := writeAtomic(s.path, cols, rows); err != nil {
		return err
	}
	s.fileExists = true
	s.fileRows = len(rows)
	s.rewritePending = false
	clear(s.dirty)
	return nil
}
