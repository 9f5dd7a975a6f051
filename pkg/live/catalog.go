package live

import (
	"errors"
	"fmt"
	"sort"

	"github.com/blacktop/offsetgen/pkg/offsets"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownType is returned for a supertype that is never declared.
	ErrUnknownType = errors.New("unknown type")
	// ErrInheritanceCycle is returned when a type is its own ancestor.
	ErrInheritanceCycle = errors.New("inheritance cycle")
)

// Decl declares one class and, optionally, the singleton holding its
// instance.
type Decl struct {
	Name      string `yaml:"name"`
	Super     string `yaml:"super,omitempty"`
	VTable    string `yaml:"vtable,omitempty"`
	Singleton string `yaml:"singleton,omitempty"`
	Indirect  bool   `yaml:"indirect,omitempty"`
}

// Catalog holds the types and singletons of a set of declarations.
type Catalog struct {
	types      map[string]*Type
	singletons map[string]Singleton
}

// Declare links decls into a catalog. Supertypes may be declared in any
// order.
func Declare(decls ...Decl) (*Catalog, error) {
	c := &Catalog{
		types:      make(map[string]*Type, len(decls)),
		singletons: make(map[string]Singleton),
	}
	for _, d := range decls {
		if d.Name == "" {
			return nil, errors.New("declaration without a name")
		}
		if _, dup := c.types[d.Name]; dup {
			return nil, fmt.Errorf("type %s declared twice", d.Name)
		}
		sym := d.VTable
		if sym == "" {
			sym = offsets.VTableSymbol(d.Name)
		}
		c.types[d.Name] = &Type{Name: d.Name, Symbol: sym}
		if d.Singleton != "" {
			c.singletons[d.Name] = Singleton{Name: d.Singleton, Indirect: d.Indirect}
		}
	}
	for _, d := range decls {
		if d.Super == "" {
			continue
		}
		super, ok := c.types[d.Super]
		if !ok {
			return nil, fmt.Errorf("%w %s (super of %s)", ErrUnknownType, d.Super, d.Name)
		}
		c.types[d.Name].Super = super
	}
	for name, t := range c.types {
		steps := 0
		for s := t.Super; s != nil; s = s.Super {
			if s == t || steps > len(c.types) {
				return nil, fmt.Errorf("%w through %s", ErrInheritanceCycle, name)
			}
			steps++
		}
	}
	return c, nil
}

// DecodeCatalog reads a YAML list of declarations.
func DecodeCatalog(data []byte) (*Catalog, error) {
	var decls []Decl
	if err := yaml.Unmarshal(data, &decls); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return Declare(decls...)
}

// Type returns the declared type name.
func (c *Catalog) Type(name string) (*Type, bool) {
	t, ok := c.types[name]
	return t, ok
}

// Singleton returns the singleton declared for type name.
func (c *Catalog) Singleton(name string) (Singleton, bool) {
	s, ok := c.singletons[name]
	return s, ok
}

// Names returns the declared type names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.types))
	for n := range c.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Symbols returns every table name the catalog depends on, sorted.
func (c *Catalog) Symbols() []string {
	seen := make(map[string]bool)
	for _, t := range c.types {
		seen[t.Symbol] = true
	}
	for _, s := range c.singletons {
		seen[s.Name] = true
	}
	syms := make([]string, 0, len(seen))
	for s := range seen {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}
