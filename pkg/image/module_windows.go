//go:build windows

package image

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	dosHeaderLfanew   = 0x3c
	sizeOfImageOffset = 0x38 // from the start of the optional header
)

// OpenModule returns the main module of the current process, read in place at
// its load address.
func OpenModule() (*Image, error) {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, nil, &h); err != nil {
		return nil, fmt.Errorf("failed to get module handle: %w", err)
	}
	return openModuleAt(uintptr(h))
}

func openModuleAt(base uintptr) (*Image, error) {
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(base)), 0x400)
	if hdr[0] != 'M' || hdr[1] != 'Z' {
		return nil, fmt.Errorf("%w: bad DOS signature at %#x", ErrInvalidImage, base)
	}
	lfanew := binary.LittleEndian.Uint32(hdr[dosHeaderLfanew:])
	// signature + IMAGE_FILE_HEADER precede the optional header
	optional := uintptr(lfanew) + 4 + 20
	sizeOfImage := *(*uint32)(unsafe.Pointer(base + optional + sizeOfImageOffset))
	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), sizeOfImage)

	return NewFromMemory(mem, uint64(base))
}
