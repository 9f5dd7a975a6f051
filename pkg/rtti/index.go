package rtti

import (
	"iter"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/pkg/image"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Index maps demangled class names to their primary vtable.
type Index struct {
	byName  map[string]Record
	records []Record
}

// NewIndex consumes recs. When a name has several vtables the primary one
// (sub-object offset 0) wins, then the lowest address.
func NewIndex(recs iter.Seq[Record]) *Index {
	idx := &Index{byName: make(map[string]Record)}
	for r := range recs {
		idx.records = append(idx.records, r)
		prev, ok := idx.byName[r.Name]
		if !ok || (prev.Offset != 0 && r.Offset == 0) {
			idx.byName[r.Name] = r
		}
	}
	log.WithFields(log.Fields{
		"vtables": len(idx.records),
		"classes": len(idx.byName),
	}).Debug("RTTI index")
	return idx
}

// Build scans img and indexes the result.
func Build(img *image.Image) *Index {
	return NewIndex(Scan(img))
}

// Lookup returns the primary vtable record for name.
func (x *Index) Lookup(name string) (Record, bool) {
	r, ok := x.byName[name]
	return r, ok
}

// Len returns the number of distinct class names.
func (x *Index) Len() int {
	return len(x.byName)
}

// Records returns every indexed vtable in scan order.
func (x *Index) Records() []Record {
	return x.records
}

// Primary returns the vtable Lookup would pick for each class, ordered by
// vtable address.
func (x *Index) Primary() []Record {
	recs := make([]Record, 0, len(x.byName))
	for _, r := range x.byName {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].VTable < recs[j].VTable })
	return recs
}

// Names returns the indexed class names sorted.
func (x *Index) Names() []string {
	names := make([]string, 0, len(x.byName))
	for n := range x.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolver answers repeated vtable to class name queries against one image.
type Resolver struct {
	img   *image.Image
	cache *lru.Cache[uint64, Record]
}

// NewResolver returns a resolver remembering up to size vtables.
func NewResolver(img *image.Image, size int) (*Resolver, error) {
	cache, err := lru.New[uint64, Record](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{img: img, cache: cache}, nil
}

// Lookup is the cached form of the package level Lookup.
func (r *Resolver) Lookup(va uint64) (Record, error) {
	if rec, ok := r.cache.Get(va); ok {
		return rec, nil
	}
	rec, err := Lookup(r.img, va)
	if err != nil {
		return Record{}, err
	}
	r.cache.Add(va, rec)
	return rec, nil
}

// ClassName returns the demangled class name of the vtable at va.
func (r *Resolver) ClassName(va uint64) (string, error) {
	rec, err := r.Lookup(va)
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}
