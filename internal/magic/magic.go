package magic

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Format is a detected executable container.
type Format int

const (
	Unknown Format = iota
	PE
	MachO
	ELF
)

func (f Format) String() string {
	switch f {
	case PE:
		return "PE"
	case MachO:
		return "Mach-O"
	case ELF:
		return "ELF"
	default:
		return "unknown"
	}
}

const (
	dosMagic     = 0x5a4d // "MZ"
	peSignature  = 0x00004550
	lfanewOffset = 0x3c
	elfMagic     = 0x464c457f
	machO32      = 0xfeedface
	machO64      = 0xfeedfacf
	machOFatBE   = 0xcafebabe
	machOFatLE   = 0xbebafeca
)

// Detect sniffs the container format of r.
func Detect(r io.ReaderAt) (Format, error) {
	var hdr [4]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return Unknown, fmt.Errorf("failed to read magic: %w", err)
	}
	switch m := binary.LittleEndian.Uint32(hdr[:]); {
	case m == elfMagic:
		return ELF, nil
	case m == machO32, m == machO64, m == machOFatBE, m == machOFatLE:
		return MachO, nil
	case binary.LittleEndian.Uint16(hdr[:2]) != dosMagic:
		return Unknown, nil
	}

	var lfanew [4]byte
	if _, err := r.ReadAt(lfanew[:], lfanewOffset); err != nil {
		return Unknown, nil
	}
	var sig [4]byte
	if _, err := r.ReadAt(sig[:], int64(binary.LittleEndian.Uint32(lfanew[:]))); err != nil {
		return Unknown, nil
	}
	if binary.LittleEndian.Uint32(sig[:]) != peSignature {
		return Unknown, nil
	}
	return PE, nil
}

// IsPE reports whether filePath is a PE image. A non-PE file yields an error
// naming what it is instead.
func IsPE(filePath string) (bool, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer f.Close()

	format, err := Detect(f)
	if err != nil {
		return false, err
	}
	if format != PE {
		return false, fmt.Errorf("%s is not a PE file (detected %s)", filePath, format)
	}
	return true, nil
}
