package utils

import (
	"fmt"
	"strings"

	"github.com/blacktop/offsetgen/internal/colors"
)

// HexDump renders data like `hexdump -C`, numbering lines from vaddr. Zero
// bytes and non printable characters are dimmed.
func HexDump(data []byte, vaddr uint64) string {
	if len(data) == 0 {
		return ""
	}
	faint := colors.FaintHiBlue().SprintFunc()
	addr := colors.ItalicFaint().SprintFunc()

	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]
		sb.WriteString(addr(fmt.Sprintf("%016x", vaddr+uint64(off))))
		sb.WriteString("  ")
		for i := range 16 {
			switch {
			case i >= len(line):
				sb.WriteString("   ")
			case line[i] == 0:
				sb.WriteString(faint("00") + " ")
			default:
				fmt.Fprintf(&sb, "%02x ", line[i])
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")
		for _, b := range line {
			if b < 32 || b > 126 {
				sb.WriteString(faint("."))
			} else {
				sb.WriteByte(b)
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
