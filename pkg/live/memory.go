package live

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"github.com/blacktop/offsetgen/pkg/image"
)

var (
	// ErrNullAddress is returned for reads at address zero.
	ErrNullAddress = errors.New("null address")
	// ErrNotLocal is returned when a Go pointer is requested for memory that
	// does not belong to the current process.
	ErrNotLocal = errors.New("memory is not in-process")
)

// Memory reads the address space the offsets are resolved against.
type Memory interface {
	ReadMemory(va uint64, p []byte) error
}

// Local reads the current process' own memory.
type Local struct{}

// ReadMemory copies len(p) bytes at va. The caller guarantees va is mapped.
func (Local) ReadMemory(va uint64, p []byte) error {
	if va == 0 {
		return ErrNullAddress
	}
	if len(p) == 0 {
		return nil
	}
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), len(p)))
	return nil
}

// ImageMemory serves reads from the static contents of an image, as if it
// were loaded at its preferred base.
type ImageMemory struct {
	Image *image.Image
}

// ReadMemory implements Memory.
func (m ImageMemory) ReadMemory(va uint64, p []byte) error {
	if va == 0 {
		return ErrNullAddress
	}
	rva, err := m.Image.VAToRVA(va)
	if err != nil {
		return err
	}
	return m.Image.ReadAt(p, rva)
}

func readWord(m Memory, va uint64, ptrSize int) (uint64, error) {
	var buf [8]byte
	if err := m.ReadMemory(va, buf[:ptrSize]); err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
