// Package pattern compiles and scans byte signatures such as
//
//	48 8D 05 | ?? ?? ?? ??
//
// Tokens are whitespace separated: a two digit hex byte, a one byte wildcard
// (? or ??), or | which marks a capture at the offset of the following byte.
// A capture is read as a 32-bit displacement relative to the end of its 4 byte
// operand (x64 RIP-relative addressing) and resolved to an RVA.
package pattern

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"iter"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/pkg/image"
)

// operandSize is the width of a captured displacement.
const operandSize = 4

// SyntaxError describes a malformed signature.
type SyntaxError struct {
	Pattern string
	Token   int // index of the offending token, -1 for whole-pattern errors
	Msg     string
}

func (e *SyntaxError) Error() string {
	if e.Token < 0 {
		return fmt.Sprintf("pattern %q: %s", e.Pattern, e.Msg)
	}
	return fmt.Sprintf("pattern %q: token %d: %s", e.Pattern, e.Token, e.Msg)
}

// Pattern is a compiled signature.
type Pattern struct {
	text     string
	bytes    []byte
	mask     []bool // true where bytes[i] must match
	captures []int

	// longest literal run, used to anchor the scan
	anchor    []byte
	anchorOff int
}

// Match is one occurrence of a pattern.
type Match struct {
	RVA      uint32
	Captures []uint32
}

// Compile parses a signature.
func Compile(text string) (*Pattern, error) {
	p := &Pattern{text: text}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, &SyntaxError{Pattern: text, Token: -1, Msg: "empty pattern"}
	}
	pending := false
	for n, tok := range fields {
		switch {
		case tok == "|":
			if pending {
				return nil, &SyntaxError{Pattern: text, Token: n, Msg: "consecutive capture markers"}
			}
			pending = true
			continue
		case tok == "?" || tok == "??":
			p.bytes = append(p.bytes, 0)
			p.mask = append(p.mask, false)
		case len(tok) == 2:
			b, err := hex.DecodeString(tok)
			if err != nil {
				return nil, &SyntaxError{Pattern: text, Token: n, Msg: fmt.Sprintf("invalid byte %q", tok)}
			}
			p.bytes = append(p.bytes, b[0])
			p.mask = append(p.mask, true)
		default:
			return nil, &SyntaxError{Pattern: text, Token: n, Msg: fmt.Sprintf("invalid token %q", tok)}
		}
		if pending {
			p.captures = append(p.captures, len(p.bytes)-1)
			pending = false
		}
	}
	if pending {
		return nil, &SyntaxError{Pattern: text, Token: len(fields) - 1, Msg: "capture marker must precede a byte"}
	}
	p.findAnchor()
	if len(p.anchor) == 0 {
		return nil, &SyntaxError{Pattern: text, Token: -1, Msg: "pattern has no literal bytes"}
	}
	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(text string) *Pattern {
	p, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) findAnchor() {
	start := -1
	for i := 0; i <= len(p.mask); i++ {
		if i < len(p.mask) && p.mask[i] {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start > len(p.anchor) {
			p.anchor = p.bytes[start:i]
			p.anchorOff = start
		}
		start = -1
	}
}

// Len returns the number of bytes the pattern spans.
func (p *Pattern) Len() int {
	return len(p.bytes)
}

// Captures returns the byte offsets of the capture markers.
func (p *Pattern) Captures() []int {
	return append([]int(nil), p.captures...)
}

// String renders the pattern in canonical form.
func (p *Pattern) String() string {
	var sb strings.Builder
	c := 0
	for i := range p.bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if c < len(p.captures) && p.captures[c] == i {
			sb.WriteString("| ")
			c++
		}
		if p.mask[i] {
			fmt.Fprintf(&sb, "%02X", p.bytes[i])
		} else {
			sb.WriteString("??")
		}
	}
	return sb.String()
}

func (p *Pattern) matchAt(data []byte, off int) bool {
	if off < 0 || off+len(p.bytes) > len(data) {
		return false
	}
	for i, b := range p.bytes {
		if p.mask[i] && data[off+i] != b {
			return false
		}
	}
	return true
}

// Scan yields the RVA of every occurrence of p in data, which is mapped at
// base, in ascending order. Overlapping occurrences are all reported.
func (p *Pattern) Scan(data []byte, base uint32) iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		pos := p.anchorOff
		for pos < len(data) {
			idx := bytes.Index(data[pos:], p.anchor)
			if idx < 0 {
				return
			}
			pos += idx
			start := pos - p.anchorOff
			if p.matchAt(data, start) {
				if !yield(base + uint32(start)) {
					return
				}
			}
			pos++
		}
	}
}

func (p *Pattern) resolve(img *image.Image, rva uint32) ([]uint32, error) {
	caps := make([]uint32, 0, len(p.captures))
	for _, off := range p.captures {
		at := rva + uint32(off)
		disp, err := image.Read[int32](img, at)
		if err != nil {
			return nil, err
		}
		va, err := img.RVAToVA(at)
		if err != nil {
			return nil, err
		}
		target, err := img.VAToRVA(uint64(int64(va) + operandSize + int64(disp)))
		if err != nil {
			return nil, err
		}
		caps = append(caps, target)
	}
	return caps, nil
}

// FindAll yields every match of p inside sec in ascending address order.
// Matches whose captures do not resolve into the image are skipped.
func (p *Pattern) FindAll(img *image.Image, sec *image.Section) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		data, err := sec.Data()
		if err != nil {
			log.WithError(err).Warnf("failed to scan %s", sec.Name)
			return
		}
		for rva := range p.Scan(data, sec.VirtualAddress) {
			caps, err := p.resolve(img, rva)
			if err != nil {
				log.WithFields(log.Fields{
					"pattern": p.text,
					"rva":     fmt.Sprintf("%#x", rva),
				}).Debugf("dropping match: %v", err)
				continue
			}
			if !yield(Match{RVA: rva, Captures: caps}) {
				return
			}
		}
	}
}

// First returns the lowest addressed match of p inside sec.
func (p *Pattern) First(img *image.Image, sec *image.Section) (Match, bool) {
	for m := range p.FindAll(img, sec) {
		return m, true
	}
	return Match{}, false
}
