package image

import (
	"bytes"
	"debug/pe"
	"fmt"
	"io"
	"sync"
)

// Section characteristics used when classifying sections.
const (
	ScnCntCode        = pe.IMAGE_SCN_CNT_CODE
	ScnCntInitialized = pe.IMAGE_SCN_CNT_INITIALIZED_DATA
	ScnMemExecute     = pe.IMAGE_SCN_MEM_EXECUTE
	ScnMemRead        = pe.IMAGE_SCN_MEM_READ
	ScnMemWrite       = pe.IMAGE_SCN_MEM_WRITE
)

// Section is a named region of an image.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32

	src     io.ReaderAt
	rawSize uint32

	once sync.Once
	data []byte
	err  error
}

// NewSection returns a section whose contents are data, mapped at rva. The
// virtual size is len(data).
func NewSection(name string, rva uint32, characteristics uint32, data []byte) *Section {
	return &Section{
		Name:            name,
		VirtualAddress:  rva,
		VirtualSize:     uint32(len(data)),
		Characteristics: characteristics,
		src:             bytes.NewReader(data),
		rawSize:         uint32(len(data)),
	}
}

// End returns the first RVA past the section.
func (s *Section) End() uint32 {
	return s.VirtualAddress + s.VirtualSize
}

// Contains reports whether rva lies inside the section.
func (s *Section) Contains(rva uint32) bool {
	return rva >= s.VirtualAddress && rva < s.End()
}

// Executable reports whether the section holds code.
func (s *Section) Executable() bool {
	return s.Characteristics&(ScnMemExecute|ScnCntCode) != 0
}

// Writable reports whether the section is mapped writable.
func (s *Section) Writable() bool {
	return s.Characteristics&ScnMemWrite != 0
}

// Data returns the section contents as laid out in memory. Bytes past the
// raw file data are zero. The result is cached and must not be modified.
func (s *Section) Data() ([]byte, error) {
	s.once.Do(func() {
		buf := make([]byte, s.VirtualSize)
		if err := s.readAt(buf, 0); err != nil {
			s.err = fmt.Errorf("failed to read section %s: %w", s.Name, err)
			return
		}
		s.data = buf
	})
	return s.data, s.err
}

func (s *Section) readAt(p []byte, off uint32) error {
	clear(p)
	if off >= s.rawSize {
		return nil
	}
	n := len(p)
	if avail := int(s.rawSize - off); n > avail {
		n = avail
	}
	if _, err := s.src.ReadAt(p[:n], int64(off)); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (s *Section) String() string {
	return fmt.Sprintf("%-8s rva=%#08x size=%#x flags=%#08x", s.Name, s.VirtualAddress, s.VirtualSize, s.Characteristics)
}
