package live

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrSingletonNotFound is returned when the table has no address for a
	// singleton.
	ErrSingletonNotFound = errors.New("singleton not found")
	// ErrSingletonNull is returned when an indirect singleton's pointer is
	// not set yet.
	ErrSingletonNull = errors.New("singleton is null")
)

// Singleton names a global object. Indirect singletons are stored as a
// pointer at the symbol; direct ones live at the symbol itself.
type Singleton struct {
	Name     string
	Indirect bool
}

func (s Singleton) String() string {
	if s.Indirect {
		return "*" + s.Name
	}
	return s.Name
}

// Ref is a typed address in the context's memory.
type Ref[T any] struct {
	ctx  *Context
	addr uint64
}

// RefAt returns a handle for the T at addr.
func RefAt[T any](c *Context, addr uint64) Ref[T] {
	return Ref[T]{ctx: c, addr: addr}
}

// Locate returns a handle to the singleton s.
func Locate[T any](c *Context, s Singleton) (Ref[T], error) {
	va, err := c.Symbol(s.Name)
	if errors.Is(err, ErrSymbolNotFound) {
		return Ref[T]{}, fmt.Errorf("%w: %s", ErrSingletonNotFound, s.Name)
	}
	if err != nil {
		return Ref[T]{}, err
	}
	if !s.Indirect {
		return RefAt[T](c, va), nil
	}
	p, err := c.word(va)
	if err != nil {
		return Ref[T]{}, fmt.Errorf("failed to read %s: %w", s, err)
	}
	if p == 0 {
		return Ref[T]{}, fmt.Errorf("%w: %s", ErrSingletonNull, s.Name)
	}
	return RefAt[T](c, p), nil
}

// Field returns a handle to the F at off bytes into r.
func Field[F, T any](r Ref[T], off uint64) Ref[F] {
	return Ref[F]{ctx: r.ctx, addr: r.addr + off}
}

// Addr returns the address r points at.
func (r Ref[T]) Addr() uint64 {
	return r.addr
}

// IsNil reports whether r points nowhere.
func (r Ref[T]) IsNil() bool {
	return r.addr == 0
}

// Word reads the first pointer sized word of the object, which for
// polymorphic classes is its vtable.
func (r Ref[T]) Word() (uint64, error) {
	if r.IsNil() {
		return 0, ErrNullAddress
	}
	return r.ctx.word(r.addr)
}

// Deref follows the pointer stored at r.
func Deref[T any](r Ref[uint64]) (Ref[T], error) {
	p, err := r.Word()
	if err != nil {
		return Ref[T]{}, err
	}
	return RefAt[T](r.ctx, p), nil
}

// Load copies the object out of memory. T must be a fixed size type.
func (r Ref[T]) Load() (T, error) {
	var v T
	if r.IsNil() {
		return v, ErrNullAddress
	}
	size := binary.Size(v)
	if size <= 0 {
		return v, fmt.Errorf("%T has no fixed size", v)
	}
	mem, err := r.ctx.Memory()
	if err != nil {
		return v, err
	}
	buf := make([]byte, size)
	if err := mem.ReadMemory(r.addr, buf); err != nil {
		return v, err
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Pointer returns a Go pointer to the object. Only valid when the context
// reads the current process.
func (r Ref[T]) Pointer() (*T, error) {
	mem, err := r.ctx.Memory()
	if err != nil {
		return nil, err
	}
	if _, ok := mem.(Local); !ok {
		return nil, ErrNotLocal
	}
	if r.IsNil() {
		return nil, ErrNullAddress
	}
	return (*T)(unsafe.Pointer(uintptr(r.addr))), nil
}
