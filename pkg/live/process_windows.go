//go:build windows

package live

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// Process reads the memory of another process.
type Process struct {
	handle windows.Handle
	pid    uint32
}

// OpenProcess opens pid for reading.
func OpenProcess(pid uint32) (*Process, error) {
	h, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	return &Process{handle: h, pid: pid}, nil
}

// PID returns the process id.
func (p *Process) PID() uint32 {
	return p.pid
}

// ReadMemory implements Memory.
func (p *Process) ReadMemory(va uint64, b []byte) error {
	if va == 0 {
		return ErrNullAddress
	}
	if len(b) == 0 {
		return nil
	}
	var n uintptr
	if err := windows.ReadProcessMemory(p.handle, uintptr(va), &b[0], uintptr(len(b)), &n); err != nil {
		return fmt.Errorf("failed to read %d bytes at %#x: %w", len(b), va, err)
	}
	if int(n) != len(b) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", va, n, len(b))
	}
	return nil
}

// Close releases the process handle.
func (p *Process) Close() error {
	return windows.CloseHandle(p.handle)
}
