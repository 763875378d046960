package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchema_EnsureAppendsWithoutMarker(t *testing.T) {
	s := NewSchema("a", "b")
	assert.True(t, s.Ensure("c"))
	assert.False(t, s.Ensure("b"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Columns())
}

func TestSchema_EnsureInsertsBeforeMarker(t *testing.T) {
	s := NewSchema(ColTitle, ColOrganization, ColEnriched)

	assert.True(t, s.Ensure("IELTS Score"))
	assert.True(t, s.Ensure("PTE Score"))

	assert.Equal(t, []string{ColTitle, ColOrganization, "IELTS Score", "PTE Score", ColEnriched}, s.Columns())
	assert.Equal(t, 5, s.Len())
}

func TestSchema_MarkerAddedLaterStaysLast(t *testing.T) {
	s := NewSchema("a")
	s.Ensure(ColEnriched)
	s.Ensure("b")
	assert.Equal(t, []string{"a", "b", ColEnriched}, s.Columns())
}

func TestSchema_DuplicatesDropped(t *testing.T) {
	s := NewSchema("a", "a", "", "b")
	assert.Equal(t, []string{"a", "b"}, s.Columns())
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has(""))
}

func TestSchema_ColumnsIsCopy(t *testing.T) {
	s := NewSchema("a")
	cols := s.Columns()
	cols[0] = "mutated"
	assert.Equal(t, []string{"a"}, s.Columns())
}
