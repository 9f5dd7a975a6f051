//go:build !windows

package live

import "github.com/blacktop/offsetgen/pkg/image"

// Process reads the memory of another process. Only available on windows.
type Process struct{}

// OpenProcess returns image.ErrUnsupportedPlatform.
func OpenProcess(pid uint32) (*Process, error) {
	return nil, image.ErrUnsupportedPlatform
}

// PID returns 0.
func (p *Process) PID() uint32 { return 0 }

// ReadMemory returns image.ErrUnsupportedPlatform.
func (p *Process) ReadMemory(va uint64, b []byte) error {
	return image.ErrUnsupportedPlatform
}

// Close is a no-op.
func (p *Process) Close() error { return nil }
