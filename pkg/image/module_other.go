//go:build !windows

package image

// OpenModule returns the main module of the current process. It is only
// available on Windows.
func OpenModule() (*Image, error) {
	return nil, ErrUnsupportedPlatform
}
