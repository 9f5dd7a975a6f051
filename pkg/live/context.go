// Package live resolves offset tables against a running image and exposes
// typed handles to the objects behind them.
//
// A Context is safe for concurrent use once Init has returned. Reading the
// memory a handle points at is not synchronized with the program that owns
// it; callers that need a consistent view must arrange exclusivity themselves
// (for example by running on the owning thread).
package live

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/blacktop/offsetgen/pkg/rtti"
	"github.com/blacktop/offsetgen/pkg/version"
)

// ErrSymbolNotFound is returned for names the active table lacks or holds as 0.
var ErrSymbolNotFound = errors.New("symbol not found")

const resolverCacheSize = 256

// Option configures a Context.
type Option func(*Context)

// WithImage uses img instead of opening the current module.
func WithImage(img *image.Image) Option {
	return func(c *Context) { c.img = img }
}

// WithOpener sets how the image is obtained when none was given.
func WithOpener(open func() (*image.Image, error)) Option {
	return func(c *Context) { c.open = open }
}

// WithRegistry resolves the table from r instead of version.Default.
func WithRegistry(r *version.Registry) Option {
	return func(c *Context) { c.registry = r }
}

// WithTable skips version resolution and uses t.
func WithTable(t *offsets.Table) Option {
	return func(c *Context) { c.table = t }
}

// WithMemory reads objects through m instead of the current process.
func WithMemory(m Memory) Option {
	return func(c *Context) { c.mem = m }
}

// Context binds an image to the offset table of its build.
type Context struct {
	open     func() (*image.Image, error)
	registry *version.Registry
	img      *image.Image
	table    *offsets.Table
	mem      Memory

	once     sync.Once
	err      error
	resolver *rtti.Resolver
	vtables  sync.Map // *Type -> uint64
}

// NewContext returns an uninitialized context.
func NewContext(opts ...Option) *Context {
	c := &Context{
		open:     image.OpenModule,
		registry: version.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var shared = sync.OnceValue(func() *Context { return NewContext() })

// Shared returns the process wide context for the current module.
func Shared() *Context {
	return shared()
}

// Init opens the image and selects its offset table. It runs once; later
// calls return the first result.
func (c *Context) Init() error {
	c.once.Do(func() { c.err = c.init() })
	return c.err
}

func (c *Context) init() error {
	if c.img == nil {
		img, err := c.open()
		if err != nil {
			return fmt.Errorf("failed to open image: %w", err)
		}
		c.img = img
	}
	if c.table == nil {
		table, err := c.registry.Resolve(c.img)
		if err != nil {
			return err
		}
		c.table = table
	}
	if c.mem == nil {
		c.mem = Local{}
	}
	resolver, err := rtti.NewResolver(c.img, resolverCacheSize)
	if err != nil {
		return err
	}
	c.resolver = resolver
	log.WithFields(log.Fields{
		"base":    fmt.Sprintf("%#x", c.img.Base),
		"symbols": c.table.Len(),
	}).Debug("live context ready")
	return nil
}

// Image returns the bound image.
func (c *Context) Image() (*image.Image, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c.img, nil
}

// Table returns the active offset table.
func (c *Context) Table() (*offsets.Table, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c.table, nil
}

// Memory returns the memory objects are read from.
func (c *Context) Memory() (Memory, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c.mem, nil
}

// Symbol returns the virtual address of name.
func (c *Context) Symbol(name string) (uint64, error) {
	if err := c.Init(); err != nil {
		return 0, err
	}
	rva, ok := c.table.Get(name)
	if !ok || rva == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return c.img.RVAToVA(rva)
}

// ClassOf returns the RTTI class name of the object at addr.
func (c *Context) ClassOf(addr uint64) (string, error) {
	if err := c.Init(); err != nil {
		return "", err
	}
	vt, err := readWord(c.mem, addr, c.img.PtrSize)
	if err != nil {
		return "", err
	}
	return c.resolver.ClassName(vt)
}

func (c *Context) word(va uint64) (uint64, error) {
	if err := c.Init(); err != nil {
		return 0, err
	}
	return readWord(c.mem, va, c.img.PtrSize)
}
