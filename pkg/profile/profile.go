// Package profile loads extraction profiles and runs them against an image to
// produce an offset table.
//
// A profile lists byte signatures whose captures name code or data addresses,
// and classes whose vtable slots name virtual functions:
//
//	patterns:
//	  - pattern: "48 8B 0D | ?? ?? ?? ?? E8"
//	    captures: [PlayerManager]
//	vmts:
//	  - class: game::Player
//	    vtable: VTable_game_Player
//	    captures:
//	      Player_Update: 3
//	      Player_GetName: 0x1c
package profile

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/blacktop/offsetgen/pkg/pattern"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// PatternEntry is a signature and the names of its captures, in marker
// order. An empty name skips that capture.
type PatternEntry struct {
	Pattern  string   `mapstructure:"pattern"`
	Captures []string `mapstructure:"captures"`
}

// VMTEntry names slots of a class' primary vtable.
type VMTEntry struct {
	Class    string         `mapstructure:"class"`
	VTable   string         `mapstructure:"vtable"` // optional symbol for the vtable itself
	Captures map[string]int `mapstructure:"captures"`
}

// Profile is a declarative extraction profile.
type Profile struct {
	Patterns []PatternEntry `mapstructure:"patterns"`
	VMTs     []VMTEntry     `mapstructure:"vmts"`
}

// Load reads a JSON, YAML or TOML profile, picked by file extension.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := Decode(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Decode parses a profile document in format ("json", "yaml", "yml" or "toml").
func Decode(data []byte, format string) (*Profile, error) {
	raw := make(map[string]any)
	var err error
	switch format {
	case "json":
		err = json.Unmarshal(data, &raw)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &raw)
	case "toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported profile format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s profile: %w", format, err)
	}

	var p Profile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  slotHook,
		ErrorUnused: true,
		Result:      &p,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// slotHook lets slot indices be written as numbers of any decoder's flavour
// or as strings such as "0x1c".
func slotHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		n, err := cast.ToInt32E(v)
		if err != nil {
			return nil, fmt.Errorf("invalid slot %q", v)
		}
		return int(n), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("invalid slot %v", v)
		}
		return int(v), nil
	}
	return data, nil
}

// Validate checks that every pattern compiles, that no entry names more
// captures than its pattern marks, and that symbol names are identifiers
// used at most once.
func (p *Profile) Validate() error {
	seen := make(map[string]string)
	claim := func(name, where string) error {
		if !offsets.IsIdentifier(name) {
			return fmt.Errorf("%s: invalid symbol name %q", where, name)
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("%s: symbol %q already declared by %s", where, name, prev)
		}
		seen[name] = where
		return nil
	}

	for i, e := range p.Patterns {
		where := fmt.Sprintf("patterns[%d]", i)
		pat, err := pattern.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		if len(e.Captures) > len(pat.Captures()) {
			return fmt.Errorf("%s: %d capture names but only %d markers", where, len(e.Captures), len(pat.Captures()))
		}
		for _, name := range e.Captures {
			if name == "" {
				continue
			}
			if err := claim(name, where); err != nil {
				return err
			}
		}
	}
	for i, e := range p.VMTs {
		where := fmt.Sprintf("vmts[%d]", i)
		if e.Class == "" {
			return fmt.Errorf("%s: missing class", where)
		}
		if e.VTable != "" {
			if err := claim(e.VTable, where); err != nil {
				return err
			}
		}
		for _, name := range sortedSlots(e.Captures) {
			if e.Captures[name] < 0 {
				return fmt.Errorf("%s: negative slot for %s", where, name)
			}
			if err := claim(name, where); err != nil {
				return err
			}
		}
	}
	return nil
}

// Names returns every symbol the profile declares, in declaration order
// (vtable slots sorted by name).
func (p *Profile) Names() []string {
	var names []string
	for _, e := range p.Patterns {
		for _, name := range e.Captures {
			if name != "" {
				names = append(names, name)
			}
		}
	}
	for _, e := range p.VMTs {
		if e.VTable != "" {
			names = append(names, e.VTable)
		}
		names = append(names, sortedSlots(e.Captures)...)
	}
	return names
}

func sortedSlots(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
