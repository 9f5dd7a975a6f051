package offsets

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"text/tabwriter"

	"github.com/blacktop/offsetgen/internal/colors"
)

var (
	colorName    = colors.Bold().SprintFunc()
	colorAddr    = colors.HiMagenta().SprintFunc()
	colorMissing = colors.BoldRed().SprintFunc()
)

// WriteGenerated writes one "<name>: 0x<hex>," line per symbol, sorted by name.
func (t *Table) WriteGenerated(w io.Writer) error {
	for _, name := range t.Names() {
		if _, err := fmt.Fprintf(w, "%s: %#x,\n", name, t.entries[name]); err != nil {
			return err
		}
	}
	return nil
}

// WritePrint writes an aligned listing for humans. Zero entries are flagged.
// colored output is still accepted by Parse.
func (t *Table) WritePrint(w io.Writer, colored bool) error {
	return colors.With(colored, func() error { return t.writePrint(w) })
}

func (t *Table) writePrint(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	missing := 0
	for _, name := range t.Names() {
		rva := t.entries[name]
		line := fmt.Sprintf("%s\t%s", colorName(name), colorAddr(fmt.Sprintf("0x%08x", rva)))
		if rva == 0 {
			missing++
			line += "\t" + colorMissing("(not found)")
		}
		if _, err := fmt.Fprintln(tw, line); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "# %d symbols, %d not found\n", t.Len(), missing)
	return err
}

var (
	ansiRE  = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	entryRE = regexp.MustCompile(`^\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*:?\s+0[xX]([0-9a-fA-F]{1,8})\b`)
)

// Parse reads a table back from generated, print or Go source output. Lines
// that hold no entry are ignored; a name given two different values is an
// error.
func Parse(r io.Reader) (*Table, error) {
	t := New()
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := ansiRE.ReplaceAllString(sc.Text(), "")
		m := entryRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		if prev, ok := t.entries[m[1]]; ok && prev != uint32(v) {
			return nil, fmt.Errorf("line %d: %s redefined (%#x, was %#x)", lineno, m[1], v, prev)
		}
		t.entries[m[1]] = uint32(v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
