package live

// Dispatcher is anything with a dispatch table address.
type Dispatcher interface {
	DispatchTable(c *Context) (uint64, error)
}

// Type is a polymorphic class known by the vtable symbol in the offset table.
type Type struct {
	Name   string
	Symbol string
	Super  *Type
}

// DispatchTable returns the virtual address of t's vtable, resolving it once
// per context.
func (t *Type) DispatchTable(c *Context) (uint64, error) {
	if v, ok := c.vtables.Load(t); ok {
		return v.(uint64), nil
	}
	va, err := c.Symbol(t.Symbol)
	if err != nil {
		return 0, err
	}
	c.vtables.Store(t, va)
	return va, nil
}

// Root returns the top of t's hierarchy.
func (t *Type) Root() *Type {
	for t.Super != nil {
		t = t.Super
	}
	return t
}

// Is reports whether t is o or derives from it.
func (t *Type) Is(o *Type) bool {
	for ; t != nil; t = t.Super {
		if t == o {
			return true
		}
	}
	return false
}

func (t *Type) String() string {
	return t.Name
}

// Instance is an object handle tagged with its static type.
type Instance[T any] struct {
	Ref[T]
	Type *Type
}

// NewInstance tags r with typ.
func NewInstance[T any](r Ref[T], typ *Type) Instance[T] {
	return Instance[T]{Ref: r, Type: typ}
}

// IsInstance reports whether obj's dynamic type is exactly sub. A type is
// always an instance of itself, without reading memory. Otherwise sub must
// derive from obj's static type and obj's vtable must be sub's. Failures to
// resolve or read are reported as false.
func IsInstance[T any](obj Instance[T], sub *Type) bool {
	if sub == nil || obj.Type == nil {
		return false
	}
	if sub == obj.Type {
		return true
	}
	if !sub.Is(obj.Type) || obj.IsNil() {
		return false
	}
	want, err := sub.DispatchTable(obj.ctx)
	if err != nil {
		return false
	}
	got, err := obj.Word()
	if err != nil {
		return false
	}
	return got == want
}

// As narrows obj to sub when IsInstance holds.
func As[Sub, T any](obj Instance[T], sub *Type) (Instance[Sub], bool) {
	if !IsInstance(obj, sub) {
		return Instance[Sub]{}, false
	}
	return Instance[Sub]{Ref: Ref[Sub]{ctx: obj.ctx, addr: obj.addr}, Type: sub}, true
}

// Upcast widens obj to one of its ancestors. It never reads memory.
func Upcast[Super, T any](obj Instance[T], super *Type) (Instance[Super], bool) {
	if obj.Type == nil || !obj.Type.Is(super) {
		return Instance[Super]{}, false
	}
	return Instance[Super]{Ref: Ref[Super]{ctx: obj.ctx, addr: obj.addr}, Type: super}, true
}
