// Package version identifies a build of the target binary from its version
// resource and selects the offset table generated for exactly that build.
// Unknown builds are rejected; there is no nearest match.
package version

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/offsets"
	semver "github.com/hashicorp/go-version"
)

// ErrUnsupportedVersion is returned for builds without a registered table.
var ErrUnsupportedVersion = errors.New("version not supported")

// Build is a four part file version, e.g. 1.5.3.54321.
type Build [4]uint16

// ParseBuild parses a dotted four part build number.
func ParseBuild(s string) (Build, error) {
	var b Build
	v, err := semver.NewVersion(s)
	if err != nil {
		return b, fmt.Errorf("failed to parse build %q: %v", s, err)
	}
	segs := v.Segments64()
	if len(segs) != 4 || v.Prerelease() != "" || v.Metadata() != "" || strings.Count(s, ".") != 3 {
		return b, fmt.Errorf("build %q must have exactly four numeric parts", s)
	}
	for i, seg := range segs {
		if seg < 0 || seg > 0xffff {
			return b, fmt.Errorf("build %q: part %d out of range", s, i+1)
		}
		b[i] = uint16(seg)
	}
	return b, nil
}

func (b Build) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// Compare orders builds numerically.
func (b Build) Compare(o Build) int {
	return slices.Compare(b[:], o[:])
}

// Key identifies one supported (product, locale, build).
type Key struct {
	Product string
	Locale  uint16
	Build   Build
}

func (k Key) String() string {
	return fmt.Sprintf("%s (locale 0x%04x) %s", k.Product, k.Locale, k.Build)
}

func (k Key) compare(o Key) int {
	return cmp.Or(
		cmp.Compare(k.Product, o.Product),
		cmp.Compare(k.Locale, o.Locale),
		k.Build.Compare(o.Build),
	)
}

// KeyFromImage reads the version resource of img.
func KeyFromImage(img *image.Image) (Key, error) {
	info, err := img.VersionInfo()
	if err != nil {
		return Key{}, fmt.Errorf("failed to read version info: %w", err)
	}
	k := Key{
		Product: info.ProductName(),
		Locale:  info.Language,
		Build:   Build(info.FileVersion),
	}
	if k.Product == "" {
		return k, fmt.Errorf("%w: image has no product name", ErrUnsupportedVersion)
	}
	return k, nil
}

// Registry is a closed set of Key to table pairs.
type Registry struct {
	mu     sync.RWMutex
	tables map[Key]*offsets.Table
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[Key]*offsets.Table)}
}

// Default is populated by generated files at init time.
var Default = NewRegistry()

// Register adds the table for key to Default.
func Register(key Key, table *offsets.Table) {
	Default.Register(key, table)
}

// Register adds the table for key. Registering a key twice panics.
func (r *Registry) Register(key Key, table *offsets.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tables[key]; dup {
		panic(fmt.Sprintf("version: %s registered twice", key))
	}
	r.tables[key] = table
}

// Lookup returns the table registered for key.
func (r *Registry) Lookup(key Key) (*offsets.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[key]
	return t, ok
}

// Keys returns the registered keys sorted by product, locale then build.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.tables))
	for k := range r.tables {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Key.compare)
	return keys
}

// Resolve returns the table for the build of img.
func (r *Registry) Resolve(img *image.Image) (*offsets.Table, error) {
	key, err := KeyFromImage(img)
	if err != nil {
		return nil, err
	}
	t, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, key)
	}
	log.WithFields(log.Fields{
		"product": key.Product,
		"locale":  fmt.Sprintf("0x%04x", key.Locale),
		"build":   key.Build.String(),
		"symbols": t.Len(),
	}).Debug("resolved offsets")
	return t, nil
}
