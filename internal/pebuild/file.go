package pebuild

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/offsetgen/pkg/image"
	"golang.org/x/text/encoding/unicode"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	lfanew           = 0x40
)

type rawSection struct {
	name  string
	rva   uint32
	flags uint32
	data  []byte
}

// PE serialises the image as a PE32+ (or PE32) file.
func (b *Image) PE() ([]byte, error) {
	var secs []rawSection
	for _, s := range b.sections() {
		data, err := s.Data()
		if err != nil {
			return nil, err
		}
		secs = append(secs, rawSection{s.Name, s.VirtualAddress, s.Characteristics, data})
	}
	var rsrcDir pe.DataDirectory
	if b.Version != nil {
		rsrc, err := b.resource()
		if err != nil {
			return nil, err
		}
		secs = append(secs, rawSection{image.ResourceSection, RsrcRVA, rdataFlags, rsrc})
		rsrcDir = pe.DataDirectory{VirtualAddress: RsrcRVA, Size: uint32(len(rsrc))}
	}

	optSize := binary.Size(pe.OptionalHeader64{})
	machine := uint16(pe.IMAGE_FILE_MACHINE_AMD64)
	if b.PtrSize == 4 {
		optSize = binary.Size(pe.OptionalHeader32{})
		machine = pe.IMAGE_FILE_MACHINE_I386
	}
	headerSize := lfanew + 4 + binary.Size(pe.FileHeader{}) + optSize + len(secs)*binary.Size(pe.SectionHeader32{})
	sizeOfHeaders := alignUp(uint32(headerSize), fileAlignment)

	var sizeOfImage uint32 = sectionAlignment
	headers := make([]pe.SectionHeader32, len(secs))
	offset := sizeOfHeaders
	for n, s := range secs {
		raw := alignUp(uint32(len(s.data)), fileAlignment)
		copy(headers[n].Name[:], s.name)
		headers[n].VirtualSize = uint32(len(s.data))
		headers[n].VirtualAddress = s.rva
		headers[n].SizeOfRawData = raw
		headers[n].PointerToRawData = offset
		headers[n].Characteristics = s.flags
		offset += raw
		sizeOfImage = max(sizeOfImage, alignUp(s.rva+uint32(len(s.data)), sectionAlignment))
	}

	var buf bytes.Buffer
	dos := make([]byte, lfanew)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], lfanew)
	buf.Write(dos)
	buf.Write([]byte{'P', 'E', 0, 0})
	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(secs)),
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      0x0022,
	}
	if err := binary.Write(&buf, binary.LittleEndian, fh); err != nil {
		return nil, err
	}

	var dirs [16]pe.DataDirectory
	dirs[pe.IMAGE_DIRECTORY_ENTRY_RESOURCE] = rsrcDir
	var oh any
	if b.PtrSize == 4 {
		oh = pe.OptionalHeader32{
			Magic:                 0x10b,
			AddressOfEntryPoint:   TextRVA,
			BaseOfCode:            TextRVA,
			ImageBase:             uint32(b.Base),
			SectionAlignment:      sectionAlignment,
			FileAlignment:         fileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           sizeOfImage,
			SizeOfHeaders:         sizeOfHeaders,
			Subsystem:             3,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dirs,
		}
	} else {
		oh = pe.OptionalHeader64{
			Magic:                 0x20b,
			AddressOfEntryPoint:   TextRVA,
			BaseOfCode:            TextRVA,
			ImageBase:             b.Base,
			SectionAlignment:      sectionAlignment,
			FileAlignment:         fileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           sizeOfImage,
			SizeOfHeaders:         sizeOfHeaders,
			Subsystem:             3,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dirs,
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, oh); err != nil {
		return nil, err
	}
	for _, h := range headers {
		if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
			return nil, err
		}
	}
	buf.Write(make([]byte, int(sizeOfHeaders)-buf.Len()))
	for n, s := range secs {
		buf.Write(s.data)
		buf.Write(make([]byte, int(headers[n].SizeOfRawData)-len(s.data)))
	}
	return buf.Bytes(), nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func wide(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		panic(err)
	}
	return append(out, 0, 0)
}

func pad4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

// versionNode encodes one VS_VERSIONINFO style node.
func versionNode(key string, text bool, value []byte, children ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 6))
	buf.Write(wide(key))
	pad4(&buf)
	buf.Write(value)
	for _, c := range children {
		pad4(&buf)
		buf.Write(c)
	}
	out := buf.Bytes()
	valueLength := len(value)
	var typ uint16
	if text {
		typ = 1
		valueLength /= 2
	}
	binary.LittleEndian.PutUint16(out[0:], uint16(len(out)))
	binary.LittleEndian.PutUint16(out[2:], uint16(valueLength))
	binary.LittleEndian.PutUint16(out[4:], typ)
	return out
}

// VersionBlob encodes v as a raw VS_VERSIONINFO resource.
func VersionBlob(v *Version) []byte {
	ffi := make([]byte, 0, 52)
	for _, x := range []uint32{
		0xFEEF04BD, 0x00010000,
		uint32(v.File[0])<<16 | uint32(v.File[1]), uint32(v.File[2])<<16 | uint32(v.File[3]),
		uint32(v.File[0])<<16 | uint32(v.File[1]), uint32(v.File[2])<<16 | uint32(v.File[3]),
		0x3f, 0, 0x40004, 1, 0, 0, 0,
	} {
		ffi = binary.LittleEndian.AppendUint32(ffi, x)
	}

	strs := map[string]string{"ProductName": v.Product}
	for k, val := range v.Strings {
		strs[k] = val
	}
	var entries [][]byte
	for _, k := range sortedKeys(strs) {
		entries = append(entries, versionNode(k, true, wide(strs[k])))
	}
	table := versionNode(fmt.Sprintf("%04x%04x", v.Language, v.CodePage), true, nil, entries...)
	sfi := versionNode("StringFileInfo", true, nil, table)

	translation := binary.LittleEndian.AppendUint16(nil, v.Language)
	translation = binary.LittleEndian.AppendUint16(translation, v.CodePage)
	vfi := versionNode("VarFileInfo", true, nil, versionNode("Translation", false, translation))

	return versionNode("VS_VERSION_INFO", false, ffi, sfi, vfi)
}

// resource lays out a three level resource tree holding one RT_VERSION entry.
func (b *Image) resource() ([]byte, error) {
	blob := VersionBlob(b.Version)
	var buf bytes.Buffer
	dir := func(id uint32, off uint32) {
		hdr := make([]byte, 16)
		binary.LittleEndian.PutUint16(hdr[14:], 1)
		buf.Write(hdr)
		buf.Write(binary.LittleEndian.AppendUint32(binary.LittleEndian.AppendUint32(nil, id), off))
	}
	dir(16, 0x80000000|24)
	dir(1, 0x80000000|48)
	dir(uint32(b.Version.Language), 72)
	for _, v := range []uint32{RsrcRVA + 88, uint32(len(blob)), uint32(b.Version.CodePage), 0} {
		buf.Write(binary.LittleEndian.AppendUint32(nil, v))
	}
	buf.Write(blob)
	return buf.Bytes(), nil
}
