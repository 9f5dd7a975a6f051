// Package rtti discovers MSVC run-time type information in a PE image.
//
// MSVC places a pointer to a RTTICompleteObjectLocator in the slot right
// before every virtual function table:
//
//	.rdata:  [ &COL ][ vfunc0 ][ vfunc1 ] ...
//	                 ^ vtable
//	COL:     signature, offset, cdOffset, pTypeDescriptor, pClassDescriptor[, pSelf]
//	TD:      pVFTable, spare, ".?AVName@ns@@"
//
// On PE32+ the COL fields are RVAs and signature is 1; on PE32 they are
// absolute addresses and signature is 0.
package rtti

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/pkg/image"
)

// ErrNotPolymorphic is returned when an address does not point at a vtable
// with valid RTTI.
var ErrNotPolymorphic = errors.New("no RTTI for vtable")

const maxTypeNameLen = 1024

// Record is one discovered vtable and its RTTI.
type Record struct {
	Name           string `json:"name"`    // demangled, e.g. "ns::Foo"
	Mangled        string `json:"mangled"` // e.g. ".?AVFoo@ns@@"
	VTable         uint32 `json:"vtable"`  // RVA of the first virtual function slot
	Locator        uint32 `json:"locator"` // RVA of the complete object locator
	TypeDescriptor uint32 `json:"type_descriptor"`
	Hierarchy      uint32 `json:"hierarchy"` // RVA of the class hierarchy descriptor
	Offset         uint32 `json:"offset"`    // sub-object offset, 0 for the primary vtable
}

func (r Record) String() string {
	return fmt.Sprintf("%#08x %s (col=%#x td=%#x off=%#x)", r.VTable, r.Name, r.Locator, r.TypeDescriptor, r.Offset)
}

type locator64 struct {
	Signature      uint32
	Offset         uint32
	CDOffset       uint32
	TypeDescriptor uint32
	Hierarchy      uint32
	Self           uint32
}

type locator32 struct {
	Signature      uint32
	Offset         uint32
	CDOffset       uint32
	TypeDescriptor uint32
	Hierarchy      uint32
}

type scanner struct {
	img   *image.Image
	text  *image.Section
	rdata *image.Section
}

func newScanner(img *image.Image) (*scanner, error) {
	text, err := img.Code()
	if err != nil {
		return nil, err
	}
	rdata, err := img.ReadOnlyData()
	if err != nil {
		return nil, err
	}
	return &scanner{img: img, text: text, rdata: rdata}, nil
}

// inRData reports whether va lies in .rdata and returns its RVA.
func (s *scanner) inRData(va uint64) (uint32, bool) {
	rva, err := s.img.VAToRVA(va)
	if err != nil || !s.rdata.Contains(rva) {
		return 0, false
	}
	return rva, true
}

// check validates the locator at col for the vtable at vt.
func (s *scanner) check(col, vt uint32) (Record, bool) {
	rec := Record{VTable: vt, Locator: col}
	if s.img.PtrSize == 8 {
		l, err := image.Read[locator64](s.img, col)
		if err != nil || l.Signature != 1 || l.Self != col {
			return rec, false
		}
		rec.Offset, rec.TypeDescriptor, rec.Hierarchy = l.Offset, l.TypeDescriptor, l.Hierarchy
	} else {
		l, err := image.Read[locator32](s.img, col)
		if err != nil || l.Signature != 0 {
			return rec, false
		}
		td, err := s.img.VAToRVA(uint64(l.TypeDescriptor))
		if err != nil {
			return rec, false
		}
		chd, err := s.img.VAToRVA(uint64(l.Hierarchy))
		if err != nil {
			return rec, false
		}
		rec.Offset, rec.TypeDescriptor, rec.Hierarchy = l.Offset, td, chd
	}
	if !s.rdata.Contains(rec.Hierarchy) {
		return rec, false
	}
	if sec := s.img.SectionForRVA(rec.TypeDescriptor); sec == nil || sec.Executable() {
		return rec, false
	}

	first, err := s.img.ReadPointer(vt)
	if err != nil {
		return rec, false
	}
	if fn, err := s.img.VAToRVA(first); err != nil || !s.text.Contains(fn) {
		return rec, false
	}

	name, err := s.img.ReadCString(rec.TypeDescriptor+2*uint32(s.img.PtrSize), maxTypeNameLen)
	if err != nil || !validTypeName(name) {
		return rec, false
	}
	rec.Mangled = name
	if rec.Name, err = Demangle(name); err != nil {
		log.WithField("name", name).Debugf("skipping vtable %#x: %v", vt, err)
		return rec, false
	}
	return rec, true
}

func validTypeName(name string) bool {
	if !strings.HasPrefix(name, ".?AV") && !strings.HasPrefix(name, ".?AU") {
		return false
	}
	if !strings.HasSuffix(name, "@@") {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return false
		}
	}
	return true
}

func (s *scanner) word(data []byte, off int) uint64 {
	if s.img.PtrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(data[off:]))
	}
	return binary.LittleEndian.Uint64(data[off:])
}

func (s *scanner) all() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		data, err := s.rdata.Data()
		if err != nil {
			log.WithError(err).Warn("failed to read .rdata")
			return
		}
		ptr := s.img.PtrSize
		for off := 0; off+2*ptr <= len(data); off += ptr {
			col, ok := s.inRData(s.word(data, off))
			if !ok {
				continue
			}
			vt := s.rdata.VirtualAddress + uint32(off+ptr)
			rec, ok := s.check(col, vt)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Scan yields every vtable in the image's .rdata whose RTTI validates, in
// ascending address order. Candidates failing validation are dropped. An
// image without .text or .rdata yields nothing.
func Scan(img *image.Image) iter.Seq[Record] {
	s, err := newScanner(img)
	if err != nil {
		log.WithError(err).Debug("rtti scan skipped")
		return func(func(Record) bool) {}
	}
	return s.all()
}

// Valid re-runs the validation Scan applies to rec.
func Valid(img *image.Image, rec Record) bool {
	s, err := newScanner(img)
	if err != nil {
		return false
	}
	if rec.VTable < s.rdata.VirtualAddress+uint32(img.PtrSize) {
		return false
	}
	colVA, err := img.ReadPointer(rec.VTable - uint32(img.PtrSize))
	if err != nil {
		return false
	}
	col, ok := s.inRData(colVA)
	if !ok || col != rec.Locator {
		return false
	}
	got, ok := s.check(rec.Locator, rec.VTable)
	return ok && got == rec
}

// Lookup validates the vtable at va and returns its record.
func Lookup(img *image.Image, va uint64) (Record, error) {
	s, err := newScanner(img)
	if err != nil {
		return Record{}, err
	}
	vt, ok := s.inRData(va)
	if !ok || vt < s.rdata.VirtualAddress+uint32(img.PtrSize) {
		return Record{}, fmt.Errorf("%w: %#x is not in .rdata", ErrNotPolymorphic, va)
	}
	colVA, err := img.ReadPointer(vt - uint32(img.PtrSize))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %#x: %v", ErrNotPolymorphic, va, err)
	}
	col, ok := s.inRData(colVA)
	if !ok {
		return Record{}, fmt.Errorf("%w: %#x", ErrNotPolymorphic, va)
	}
	rec, ok := s.check(col, vt)
	if !ok {
		return Record{}, fmt.Errorf("%w: %#x", ErrNotPolymorphic, va)
	}
	return rec, nil
}

// ClassNameForVTable returns the demangled class name of the vtable at va.
func ClassNameForVTable(img *image.Image, va uint64) (string, error) {
	rec, err := Lookup(img, va)
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}
