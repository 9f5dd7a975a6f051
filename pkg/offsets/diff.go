package offsets

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/blacktop/offsetgen/internal/colors"
)

// Change is one symbol whose value differs between two tables. Old or New is
// zero when the symbol is absent on that side or was not found.
type Change struct {
	Name string
	Old  uint32
	New  uint32
}

// Delta is the signed distance the symbol moved.
func (c Change) Delta() int64 {
	return int64(c.New) - int64(c.Old)
}

// Diff lists the symbols that were added, removed or moved between prev and
// curr, sorted by name. Identical entries are omitted.
func Diff(prev, curr *Table) []Change {
	var out []Change
	seen := make(map[string]bool, curr.Len())
	for _, name := range curr.Names() {
		seen[name] = true
		n := curr.entries[name]
		o, ok := prev.entries[name]
		if ok && o == n {
			continue
		}
		out = append(out, Change{Name: name, Old: o, New: n})
	}
	for _, name := range prev.Names() {
		if !seen[name] {
			out = append(out, Change{Name: name, Old: prev.entries[name]})
		}
	}
	slices.SortFunc(out, func(a, b Change) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Unified renders the difference between the generated forms of both tables.
func Unified(prevLabel, currLabel string, prev, curr *Table) (string, error) {
	var a, b bytes.Buffer
	if err := prev.WriteGenerated(&a); err != nil {
		return "", err
	}
	if err := curr.WriteGenerated(&b); err != nil {
		return "", err
	}
	return udiff.Unified(prevLabel, currLabel, a.String(), b.String()), nil
}

// WriteChanges prints one line per change.
func WriteChanges(w io.Writer, changes []Change, colored bool) error {
	return colors.With(colored, func() error { return writeChanges(w, changes) })
}

func writeChanges(w io.Writer, changes []Change) error {
	for _, c := range changes {
		var err error
		switch {
		case c.Old == 0:
			_, err = fmt.Fprintf(w, "+ %s %s\n", colorName(c.Name), colorAddr(fmt.Sprintf("0x%08x", c.New)))
		case c.New == 0:
			_, err = fmt.Fprintf(w, "- %s %s\n", colorName(c.Name), colorMissing(fmt.Sprintf("0x%08x", c.Old)))
		default:
			_, err = fmt.Fprintf(w, "~ %s 0x%08x -> %s (%+#x)\n", colorName(c.Name), c.Old, colorAddr(fmt.Sprintf("0x%08x", c.New)), c.Delta())
		}
		if err != nil {
			return err
		}
	}
	return nil
}
