package model

// Field is one named value extracted from a page.
type Field struct {
	Name  string
	Value string
}

// Patch is an ordered set of fields applied to a record. Order matters: new
// columns are added to the schema in the order they appear in the patch.
type Patch []Field

// Set replaces the value of name or appends it.
func (p *Patch) Set(name, value string) {
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Field{Name: name, Value: value})
}

// Get returns the value of name.
func (p Patch) Get(name string) (string, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// SetDefault sets name only when it is absent.
func (p *Patch) SetDefault(name, value string) {
	if _, ok := p.Get(name); !ok {
		p.Set(name, value)
	}
}

// WorkItem is one detail-page fetch request.
type WorkItem struct {
	Key Key
	URL string
	// Seq is the record's checkpoint position, used for log context.
	Seq int
}
