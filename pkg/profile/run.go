package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/blacktop/offsetgen/pkg/pattern"
	"github.com/blacktop/offsetgen/pkg/rtti"
)

// ErrClassNotFound is returned when a profile names a class the image has no
// RTTI for. It means the profile is stale for this binary.
var ErrClassNotFound = errors.New("class not found")

// Executor runs profiles against one image. The RTTI scan is done at most
// once, on first use.
type Executor struct {
	img   *image.Image
	index *rtti.Index
}

// NewExecutor returns an executor for img.
func NewExecutor(img *image.Image) *Executor {
	return &Executor{img: img}
}

// Run executes p against img.
func Run(img *image.Image, p *Profile) (*offsets.Table, error) {
	return NewExecutor(img).Run(p)
}

// Index returns the RTTI index of the image, scanning it on first call.
func (e *Executor) Index() *rtti.Index {
	if e.index == nil {
		e.index = rtti.Build(e.img)
	}
	return e.index
}

// Run executes p. Patterns without a match leave 0 for each of their names;
// a class without RTTI fails the whole run with ErrClassNotFound.
func (e *Executor) Run(p *Profile) (*offsets.Table, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	table := offsets.New()
	if len(p.Patterns) > 0 {
		if err := e.runPatterns(p.Patterns, table); err != nil {
			return nil, err
		}
	}
	for _, v := range p.VMTs {
		if err := e.runVMT(v, table); err != nil {
			return nil, err
		}
	}

	missing := Missing(p, table)
	total := len(p.Names())
	log.WithFields(log.Fields{
		"total":   total,
		"found":   total - len(missing),
		"missing": len(missing),
	}).Info("Extraction STATS")
	return table, nil
}

func (e *Executor) runPatterns(entries []PatternEntry, table *offsets.Table) error {
	text, err := e.img.Code()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pat, err := pattern.Compile(entry.Pattern)
		if err != nil {
			return err
		}
		m, ok := pat.First(e.img, text)
		if !ok {
			log.WithField("pattern", entry.Pattern).Warn("Pattern Not Matched")
		}
		for i, name := range entry.Captures {
			if name == "" {
				continue
			}
			var rva uint32
			if ok {
				rva = m.Captures[i]
			}
			table.Set(name, rva)
			log.WithField("rva", fmt.Sprintf("%#x", rva)).Debug(name)
		}
	}
	return nil
}

func (e *Executor) runVMT(entry VMTEntry, table *offsets.Table) error {
	rec, ok := e.Index().Lookup(entry.Class)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClassNotFound, entry.Class)
	}
	if entry.VTable != "" {
		table.Set(entry.VTable, rec.VTable)
	}
	ptr := uint64(e.img.PtrSize)
	for _, name := range sortedSlots(entry.Captures) {
		slot := entry.Captures[name]
		at := uint64(rec.VTable) + uint64(slot)*ptr
		if uint64(slot) > math.MaxUint32/ptr || at > math.MaxUint32 {
			return fmt.Errorf("%s slot %d (%s): %w", entry.Class, slot, name, image.ErrOutOfRange)
		}
		fn, err := e.img.ReadPointer(uint32(at))
		if err != nil {
			return fmt.Errorf("%s slot %d (%s): %w", entry.Class, slot, name, err)
		}
		rva, err := e.img.VAToRVA(fn)
		if err != nil {
			return fmt.Errorf("%s slot %d (%s): %w", entry.Class, slot, name, err)
		}
		table.Set(name, rva)
	}
	return nil
}

// Missing returns the names p declares that table lacks or holds as zero,
// sorted.
func Missing(p *Profile, table *offsets.Table) []string {
	var missing []string
	for _, name := range p.Names() {
		if !table.Has(name) {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
