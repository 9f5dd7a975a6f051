// Package image reads PE executable images, either mapped from disk or in
// place from the current process, and translates between relative (RVA) and
// absolute (VA) addresses.
//
// Every other package goes through an *Image for address arithmetic and raw
// reads; nothing here writes to the image.
package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/exp/mmap"
)

var (
	// ErrInvalidImage is returned when the input does not parse as a PE image.
	ErrInvalidImage = errors.New("invalid PE image")
	// ErrSectionNotFound is returned when a named section is not present.
	ErrSectionNotFound = errors.New("section not found")
	// ErrOutOfRange is returned when an address does not belong to any section.
	ErrOutOfRange = errors.New("address out of range")
	// ErrTruncated is returned when a read runs past the end of its section.
	ErrTruncated = errors.New("read truncated")
	// ErrUnsupportedPlatform is returned by OpenModule off Windows.
	ErrUnsupportedPlatform = errors.New("in-process images are only supported on windows")
)

// Well known section names.
const (
	CodeSection         = ".text"
	ReadOnlyDataSection = ".rdata"
	DataSection         = ".data"
	ResourceSection     = ".rsrc"
)

// Image is a loaded or mapped PE image.
type Image struct {
	// Base is the address the image is (or prefers to be) loaded at.
	Base uint64
	// PtrSize is the pointer width of the image in bytes (4 or 8).
	PtrSize int
	// Machine is the COFF machine type.
	Machine uint16

	sections    []*Section
	resourceRVA uint32
	closer      io.Closer
}

// Open memory-maps the PE file at path. The image must contain both a code
// and a read-only data section.
func Open(path string) (*Image, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	f, err := pe.NewFile(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidImage, path, err)
	}
	img, err := fromPE(f, 0, func(s *pe.Section) (io.ReaderAt, uint32) {
		return s, s.Size
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := img.requireSections(); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.closer = r
	return img, nil
}

// NewFromBytes parses an on-disk PE layout held in memory.
func NewFromBytes(data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img, err := fromPE(f, 0, func(s *pe.Section) (io.ReaderAt, uint32) {
		return s, s.Size
	})
	if err != nil {
		return nil, err
	}
	if err := img.requireSections(); err != nil {
		return nil, err
	}
	return img, nil
}

// NewFromMemory parses an image as the Windows loader maps it: headers at
// offset 0 and every section at its RVA. base is the address mem is mapped
// at; zero keeps the preferred ImageBase.
func NewFromMemory(mem []byte, base uint64) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(mem))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	for _, s := range f.Sections {
		if uint64(s.VirtualAddress) > uint64(len(mem)) {
			return nil, fmt.Errorf("%w: section %s lies past the mapped image", ErrInvalidImage, s.Name)
		}
	}
	img, err := fromPE(f, base, func(s *pe.Section) (io.ReaderAt, uint32) {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		end := min(uint64(s.VirtualAddress)+uint64(size), uint64(len(mem)))
		return bytes.NewReader(mem[s.VirtualAddress:end]), uint32(end - uint64(s.VirtualAddress))
	})
	if err != nil {
		return nil, err
	}
	if err := img.requireSections(); err != nil {
		return nil, err
	}
	return img, nil
}

// New builds an image from raw section contents already laid out at their
// virtual addresses (memory dumps, tests). Unlike Open it does not require
// any particular section to be present.
func New(base uint64, ptrSize int, sections ...*Section) (*Image, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("%w: unsupported pointer size %d", ErrInvalidImage, ptrSize)
	}
	img := &Image{Base: base, PtrSize: ptrSize}
	for _, s := range sections {
		if s.src == nil {
			s.src = bytes.NewReader(nil)
		}
		if err := img.addSection(s); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func fromPE(f *pe.File, base uint64, source func(*pe.Section) (io.ReaderAt, uint32)) (*Image, error) {
	img := &Image{Machine: f.Machine}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		img.PtrSize = 8
		img.Base = oh.ImageBase
		if len(oh.DataDirectory) > pe.IMAGE_DIRECTORY_ENTRY_RESOURCE {
			img.resourceRVA = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_RESOURCE].VirtualAddress
		}
	case *pe.OptionalHeader32:
		img.PtrSize = 4
		img.Base = uint64(oh.ImageBase)
		if len(oh.DataDirectory) > pe.IMAGE_DIRECTORY_ENTRY_RESOURCE {
			img.resourceRVA = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_RESOURCE].VirtualAddress
		}
	default:
		return nil, fmt.Errorf("%w: missing optional header", ErrInvalidImage)
	}
	if base != 0 {
		img.Base = base
	}
	for _, s := range f.Sections {
		src, rawSize := source(s)
		sec := &Section{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Characteristics: s.Characteristics,
			src:             src,
			rawSize:         rawSize,
		}
		if sec.VirtualSize == 0 {
			sec.VirtualSize = s.Size
		}
		if err := img.addSection(sec); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func (i *Image) addSection(s *Section) error {
	if uint64(s.VirtualAddress)+uint64(s.VirtualSize) > math.MaxUint32 {
		return fmt.Errorf("%w: section %s overflows the address space", ErrInvalidImage, s.Name)
	}
	for _, o := range i.sections {
		if s.VirtualSize > 0 && o.VirtualSize > 0 &&
			s.VirtualAddress < o.End() && o.VirtualAddress < s.End() {
			return fmt.Errorf("%w: section %s overlaps %s", ErrInvalidImage, s.Name, o.Name)
		}
	}
	i.sections = append(i.sections, s)
	return nil
}

func (i *Image) requireSections() error {
	for _, name := range []string{CodeSection, ReadOnlyDataSection} {
		if _, err := i.Section(name); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying mapping, if any.
func (i *Image) Close() error {
	if i.closer != nil {
		return i.closer.Close()
	}
	return nil
}

// Sections returns the image's sections in header order.
func (i *Image) Sections() []*Section {
	return i.sections
}

// Section returns the first section called name.
func (i *Image) Section(name string) (*Section, error) {
	for _, s := range i.sections {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSectionNotFound, name)
}

// Code returns the .text section.
func (i *Image) Code() (*Section, error) {
	return i.Section(CodeSection)
}

// ReadOnlyData returns the .rdata section.
func (i *Image) ReadOnlyData() (*Section, error) {
	return i.Section(ReadOnlyDataSection)
}

// SectionForRVA returns the section containing rva, or nil.
func (i *Image) SectionForRVA(rva uint32) *Section {
	for _, s := range i.sections {
		if s.Contains(rva) {
			return s
		}
	}
	return nil
}

// RVAToVA converts rva into an absolute address. It fails with ErrOutOfRange
// when rva is not inside any section.
func (i *Image) RVAToVA(rva uint32) (uint64, error) {
	if i.SectionForRVA(rva) == nil {
		return 0, fmt.Errorf("%w: rva %#x", ErrOutOfRange, rva)
	}
	return i.Base + uint64(rva), nil
}

// VAToRVA converts an absolute address into an RVA. It fails with
// ErrOutOfRange when va is not inside any section.
func (i *Image) VAToRVA(va uint64) (uint32, error) {
	if va < i.Base || va-i.Base > math.MaxUint32 {
		return 0, fmt.Errorf("%w: va %#x", ErrOutOfRange, va)
	}
	rva := uint32(va - i.Base)
	if i.SectionForRVA(rva) == nil {
		return 0, fmt.Errorf("%w: va %#x", ErrOutOfRange, va)
	}
	return rva, nil
}

// ReadAt fills p with the bytes at rva. The whole read must fit inside the
// section containing rva.
func (i *Image) ReadAt(p []byte, rva uint32) error {
	s := i.SectionForRVA(rva)
	if s == nil {
		return fmt.Errorf("%w: rva %#x", ErrOutOfRange, rva)
	}
	off := rva - s.VirtualAddress
	if uint64(off)+uint64(len(p)) > uint64(s.VirtualSize) {
		return fmt.Errorf("%w: %d bytes at rva %#x (%s ends at %#x)", ErrTruncated, len(p), rva, s.Name, s.End())
	}
	return s.readAt(p, off)
}

// ReadPointer reads a pointer-sized little-endian value at rva.
func (i *Image) ReadPointer(rva uint32) (uint64, error) {
	var buf [8]byte
	if err := i.ReadAt(buf[:i.PtrSize], rva); err != nil {
		return 0, err
	}
	if i.PtrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadCString reads a NUL terminated string of at most max bytes at rva.
func (i *Image) ReadCString(rva uint32, max int) (string, error) {
	s := i.SectionForRVA(rva)
	if s == nil {
		return "", fmt.Errorf("%w: rva %#x", ErrOutOfRange, rva)
	}
	if avail := int(s.End() - rva); avail < max {
		max = avail
	}
	buf := make([]byte, max)
	if err := i.ReadAt(buf, rva); err != nil {
		return "", err
	}
	if n := bytes.IndexByte(buf, 0); n >= 0 {
		return string(buf[:n]), nil
	}
	return "", fmt.Errorf("%w: unterminated string at rva %#x", ErrTruncated, rva)
}

// Read decodes a fixed-size little-endian T at rva.
func Read[T any](i *Image, rva uint32) (T, error) {
	var v T
	size := binary.Size(v)
	// a nil slice sizes to zero
	if size <= 0 {
		return v, fmt.Errorf("type %T has no fixed size", v)
	}
	buf := make([]byte, size)
	if err := i.ReadAt(buf, rva); err != nil {
		return v, err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, err
	}
	return v, nil
}

// String summarises the image.
func (i *Image) String() string {
	names := make([]string, 0, len(i.sections))
	for _, s := range i.sections {
		names = append(names, s.Name)
	}
	return fmt.Sprintf("base=%#x ptr=%d sections=[%s]", i.Base, i.PtrSize, strings.Join(names, " "))
}
