// Package offsets holds the symbol name to RVA table produced for one build
// of a target binary, and its text formats.
package offsets

import (
	"maps"
	"sort"
	"strings"
)

// Table maps symbol names to RVAs. A zero value marks a symbol that was not
// found. The zero Table is not usable; use New.
type Table struct {
	entries map[string]uint32
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[string]uint32)}
}

// FromMap returns a table holding a copy of m.
func FromMap(m map[string]uint32) *Table {
	t := New()
	maps.Copy(t.entries, m)
	return t
}

// Set records name at rva, replacing any earlier value.
func (t *Table) Set(name string, rva uint32) {
	t.entries[name] = rva
}

// Get returns the RVA for name. ok is false when name is absent.
func (t *Table) Get(name string) (rva uint32, ok bool) {
	rva, ok = t.entries[name]
	return rva, ok
}

// Has reports whether name is present with a non-zero value.
func (t *Table) Has(name string) bool {
	return t.entries[name] != 0
}

// Names returns the symbol names sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of symbols.
func (t *Table) Len() int {
	return len(t.entries)
}

// Map returns a copy of the table contents.
func (t *Table) Map() map[string]uint32 {
	return maps.Clone(t.entries)
}

// Equal reports whether both tables hold the same (name, value) pairs.
func (t *Table) Equal(o *Table) bool {
	return maps.Equal(t.entries, o.entries)
}

// VTableSymbol returns the table symbol naming the vtable of class, e.g.
// "game::Foo" becomes "VTable_game_Foo".
func VTableSymbol(class string) string {
	class = strings.ReplaceAll(class, "::", "_")
	return "VTable_" + strings.Map(func(r rune) rune {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, class)
}

// IsIdentifier reports whether name is usable as a table symbol.
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
