package model

// Schema is the ordered, append-only list of checkpoint columns. New columns
// are inserted immediately before ColEnriched when that column is present, so
// the marker always stays last.
//
// Schema is not safe for concurrent use; the owning store serializes access.
type Schema struct {
	cols  []string
	index map[string]struct{}
}

// NewSchema builds a schema from columns in order. Duplicates are dropped.
func NewSchema(columns ...string) *Schema {
	s := &Schema{index: make(map[string]struct{}, len(columns))}
	for _, c := range columns {
		s.Ensure(c)
	}
	return s
}

// Ensure adds col if it is unknown and reports whether the schema changed.
func (s *Schema) Ensure(col string) bool {
	if col == "" {
		return false
	}
	if _, ok := s.index[col]; ok {
		return false
	}
	s.index[col] = struct{}{}
	if col != ColEnriched {
		if i := s.indexOf(ColEnriched); i >= 0 {
			s.cols = append(s.cols, "")
			copy(s.cols[i+1:], s.cols[i:])
			s.cols[i] = col
			return true
		}
	}
	s.cols = append(s.cols, col)
	return true
}

// Has reports whether col is a known column.
func (s *Schema) Has(col string) bool {
	_, ok := s.index[col]
	return ok
}

// Columns returns a copy of the column order.
func (s *Schema) Columns() []string {
	out := make([]string, len(s.cols))
	copy(out, s.cols)
	return out
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.cols)
}

func (s *Schema) indexOf(col string) int {
	for i, c := range s.cols {
		if c == col {
			return i
		}
	}
	return -1
}
