// Package pebuild assembles small synthetic PE images: code, MSVC RTTI
// records, globals and a version resource. It is used by tests in place of
// checked-in binaries.
package pebuild

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blacktop/offsetgen/pkg/image"
)

// Fixed section placement.
const (
	TextRVA  uint32 = 0x1000
	RDataRVA uint32 = 0x40000
	DataRVA  uint32 = 0x80000
	RsrcRVA  uint32 = 0xC0000

	textFlags  = image.ScnCntCode | image.ScnMemExecute | image.ScnMemRead
	rdataFlags = image.ScnCntInitialized | image.ScnMemRead
	dataFlags  = image.ScnCntInitialized | image.ScnMemRead | image.ScnMemWrite
)

// Version describes the VS_VERSIONINFO resource to embed.
type Version struct {
	Product  string
	Language uint16
	CodePage uint16
	File     [4]uint16
	Strings  map[string]string
}

// Class is a synthetic polymorphic class laid out by AddClass.
type Class struct {
	Name           string
	Mangled        string
	VTable         uint32
	Locator        uint32
	TypeDescriptor uint32
	Methods        []uint32
}

// Image accumulates section contents.
type Image struct {
	Base    uint64
	PtrSize int
	Text    []byte
	RData   []byte
	Data    []byte
	Version *Version
}

// New returns an empty image. ptrSize selects PE32+ (8) or PE32 (4).
func New(ptrSize int) *Image {
	b := &Image{PtrSize: ptrSize, Base: 0x140000000}
	if ptrSize == 4 {
		b.Base = 0x400000
	}
	return b
}

// VA returns the absolute address of rva.
func (b *Image) VA(rva uint32) uint64 {
	return b.Base + uint64(rva)
}

func align(buf []byte, n int) []byte {
	for len(buf)%n != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func (b *Image) putPtr(buf []byte, v uint64) []byte {
	if b.PtrSize == 4 {
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(buf, v)
}

// Code appends raw bytes to .text and returns their RVA.
func (b *Image) Code(code ...byte) uint32 {
	rva := TextRVA + uint32(len(b.Text))
	b.Text = append(b.Text, code...)
	return rva
}

// Func appends a minimal 16 byte aligned function and returns its RVA.
func (b *Image) Func() uint32 {
	b.Text = align(b.Text, 16)
	return b.Code(0x48, 0x8b, 0xc1, 0xc3) // mov rax, rcx; ret
}

// ReadOnly appends raw bytes to .rdata and returns their RVA.
func (b *Image) ReadOnly(data ...byte) uint32 {
	rva := RDataRVA + uint32(len(b.RData))
	b.RData = append(b.RData, data...)
	return rva
}

// Global appends a pointer-sized global holding value to .data and returns its RVA.
func (b *Image) Global(value uint64) uint32 {
	b.Data = align(b.Data, b.PtrSize)
	rva := DataRVA + uint32(len(b.Data))
	b.Data = b.putPtr(b.Data, value)
	return rva
}

// SetGlobal overwrites the pointer-sized global at rva.
func (b *Image) SetGlobal(rva uint32, value uint64) {
	off := rva - DataRVA
	if b.PtrSize == 4 {
		binary.LittleEndian.PutUint32(b.Data[off:], uint32(value))
		return
	}
	binary.LittleEndian.PutUint64(b.Data[off:], value)
}

// Object appends a fake object whose first word is the vtable at vtable and
// returns its RVA.
func (b *Image) Object(vtable uint32, size int) uint32 {
	rva := b.Global(b.VA(vtable))
	b.Data = append(b.Data, make([]byte, max(size-b.PtrSize, 0))...)
	return rva
}

// Mangle returns the RTTI type name of a (non template) class name such as
// "ns::Foo".
func Mangle(name string) string {
	parts := strings.Split(name, "::")
	var sb strings.Builder
	sb.WriteString(".?AV")
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteString(parts[i])
		sb.WriteByte('@')
	}
	sb.WriteByte('@')
	return sb.String()
}

// AddClass lays out a type descriptor, hierarchy descriptor, complete object
// locator and a vtable with the given number of methods.
func (b *Image) AddClass(name string, methods int) Class {
	return b.AddMangledClass(name, Mangle(name), methods)
}

// AddMangledClass is AddClass with an explicit RTTI type name.
func (b *Image) AddMangledClass(name, mangled string, methods int) Class {
	c := Class{Name: name, Mangled: mangled}
	for range methods {
		c.Methods = append(c.Methods, b.Func())
	}

	// type descriptor: vftable, spare, name
	b.Data = align(b.Data, b.PtrSize)
	c.TypeDescriptor = DataRVA + uint32(len(b.Data))
	b.Data = b.putPtr(b.Data, 0)
	b.Data = b.putPtr(b.Data, 0)
	b.Data = append(b.Data, mangled...)
	b.Data = append(b.Data, 0)

	// class hierarchy descriptor
	b.RData = align(b.RData, 8)
	chd := RDataRVA + uint32(len(b.RData))
	b.RData = binary.LittleEndian.AppendUint32(b.RData, 0)
	b.RData = binary.LittleEndian.AppendUint32(b.RData, 0)
	b.RData = binary.LittleEndian.AppendUint32(b.RData, 1)
	b.RData = binary.LittleEndian.AppendUint32(b.RData, 0)

	// complete object locator
	c.Locator = RDataRVA + uint32(len(b.RData))
	if b.PtrSize == 8 {
		for _, v := range []uint32{1, 0, 0, c.TypeDescriptor, chd, c.Locator} {
			b.RData = binary.LittleEndian.AppendUint32(b.RData, v)
		}
	} else {
		for _, v := range []uint32{0, 0, 0, uint32(b.VA(c.TypeDescriptor)), uint32(b.VA(chd))} {
			b.RData = binary.LittleEndian.AppendUint32(b.RData, v)
		}
	}

	// locator pointer immediately followed by the vtable
	b.RData = align(b.RData, b.PtrSize)
	b.RData = b.putPtr(b.RData, b.VA(c.Locator))
	c.VTable = RDataRVA + uint32(len(b.RData))
	for _, m := range c.Methods {
		b.RData = b.putPtr(b.RData, b.VA(m))
	}
	b.RData = b.putPtr(b.RData, 0)
	return c
}

func (b *Image) sections() []*image.Section {
	text := b.Text
	if len(text) == 0 {
		text = []byte{0xcc}
	}
	secs := []*image.Section{
		image.NewSection(image.CodeSection, TextRVA, textFlags, text),
		image.NewSection(image.ReadOnlyDataSection, RDataRVA, rdataFlags, append([]byte{}, b.RData...)),
	}
	if len(b.Data) > 0 {
		secs = append(secs, image.NewSection(image.DataSection, DataRVA, dataFlags, append([]byte{}, b.Data...)))
	}
	return secs
}

// Build returns an in-memory image of the current contents.
func (b *Image) Build() (*image.Image, error) {
	secs := b.sections()
	if b.Version != nil {
		rsrc, err := b.resource()
		if err != nil {
			return nil, err
		}
		secs = append(secs, image.NewSection(image.ResourceSection, RsrcRVA, rdataFlags, rsrc))
	}
	return image.New(b.Base, b.PtrSize, secs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteFile writes a PE file of the current contents to path.
func (b *Image) WriteFile(path string) error {
	data, err := b.PE()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
