package profile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/offsetgen/internal/pebuild"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlProfile = `
patterns:
  - pattern: "48 8B 0D | ?? ?? ?? ?? E8"
    captures: [PlayerManager]
  - pattern: "48 8D 05 | ?? ?? ?? ?? 48 89 05 | ?? ?? ?? ??"
    captures: ["", WorldRoot]
vmts:
  - class: game::Player
    vtable: VTable_game_Player
    captures:
      Player_Update: 1
      Player_GetName: "0x2"
`

const jsonProfile = `{
  "patterns": [
    {"pattern": "48 8B 0D | ?? ?? ?? ?? E8", "captures": ["PlayerManager"]},
    {"pattern": "48 8D 05 | ?? ?? ?? ?? 48 89 05 | ?? ?? ?? ??", "captures": ["", "WorldRoot"]}
  ],
  "vmts": [
    {"class": "game::Player", "vtable": "VTable_game_Player",
     "captures": {"Player_Update": 1, "Player_GetName": "0x2"}}
  ]
}`

const tomlProfile = `
[[patterns]]
pattern = "48 8B 0D | ?? ?? ?? ?? E8"
captures = ["PlayerManager"]

[[patterns]]
pattern = "48 8D 05 | ?? ?? ?? ?? 48 89 05 | ?? ?? ?? ??"
captures = ["", "WorldRoot"]

[[vmts]]
class = "game::Player"
vtable = "VTable_game_Player"

[vmts.captures]
Player_Update = 1
Player_GetName = "0x2"
`

func TestDecodeFormats(t *testing.T) {
	for format, src := range map[string]string{"yaml": yamlProfile, "json": jsonProfile, "toml": tomlProfile} {
		t.Run(format, func(t *testing.T) {
			p, err := Decode([]byte(src), format)
			require.NoError(t, err)
			require.Len(t, p.Patterns, 2)
			assert.Equal(t, []string{"", "WorldRoot"}, p.Patterns[1].Captures)
			require.Len(t, p.VMTs, 1)
			assert.Equal(t, "game::Player", p.VMTs[0].Class)
			assert.Equal(t, map[string]int{"Player_Update": 1, "Player_GetName": 2}, p.VMTs[0].Captures)
			assert.Equal(t, []string{
				"PlayerManager", "WorldRoot", "VTable_game_Player", "Player_GetName", "Player_Update",
			}, p.Names())
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "d4.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlProfile), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Names(), 5)

	bad := filepath.Join(dir, "d4.ini")
	require.NoError(t, os.WriteFile(bad, []byte(yamlProfile), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "unsupported profile format")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"bad pattern", `patterns: [{pattern: "48 XX", captures: [A]}]`, "patterns[0]"},
		{"too many names", `patterns: [{pattern: "48 | ??", captures: [A, B]}]`, "only 1 markers"},
		{"duplicate name", `patterns: [{pattern: "48 | ??", captures: [A]}, {pattern: "49 | ??", captures: [A]}]`, "already declared"},
		{"bad name", `patterns: [{pattern: "48 | ??", captures: ["a b"]}]`, "invalid symbol name"},
		{"missing class", `vmts: [{captures: {A: 1}}]`, "missing class"},
		{"negative slot", `vmts: [{class: X, captures: {A: -1}}]`, "negative slot"},
		{"bad slot", `vmts: [{class: X, captures: {A: "zero"}}]`, "invalid slot"},
		{"unknown key", `patterns: [{pattern: "48 | ??", names: [A]}]`, "names"},
		{"malformed", `patterns: [`, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.src), "yaml")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

// testImage lays out the code and RTTI the sample profile extracts.
func testImage(t *testing.T) (*pebuild.Image, map[string]uint32) {
	t.Helper()
	b := pebuild.New(8)
	mgr := b.Global(0)
	world := b.Global(0)

	player := b.AddClass("game::Player", 3)
	b.AddClass("game::Monster", 2)

	rel := func(at uint32, target uint32) []byte {
		return binary.LittleEndian.AppendUint32(nil, uint32(int32(target)-int32(at+4)))
	}
	// mov rcx, [rip+PlayerManager]; call
	at := b.Code(0x48, 0x8b, 0x0d)
	b.Code(rel(at+3, mgr)...)
	b.Code(0xe8, 0, 0, 0, 0)
	// lea rax, [rip+?]; mov [rip+WorldRoot], rax
	at = b.Code(0x48, 0x8d, 0x05)
	b.Code(rel(at+3, player.Methods[0])...)
	b.Code(0x48, 0x89, 0x05)
	b.Code(rel(at+10, world)...)

	return b, map[string]uint32{
		"PlayerManager":      mgr,
		"WorldRoot":          world,
		"VTable_game_Player": player.VTable,
		"Player_Update":      player.Methods[1],
		"Player_GetName":     player.Methods[2],
	}
}

func TestRun(t *testing.T) {
	b, want := testImage(t)
	img, err := b.Build()
	require.NoError(t, err)
	p, err := Decode([]byte(yamlProfile), "yaml")
	require.NoError(t, err)

	table, err := Run(img, p)
	require.NoError(t, err)
	assert.Equal(t, want, table.Map())
	assert.Empty(t, Missing(p, table))
}

func TestRunPE32(t *testing.T) {
	b := pebuild.New(4)
	mgr := b.Global(0)
	player := b.AddClass("game::Player", 3)
	at := b.Code(0x8b, 0x0d)
	b.Code(binary.LittleEndian.AppendUint32(nil, uint32(int32(mgr)-int32(at+6)))...)
	b.Code(0xe8, 0, 0, 0, 0)
	img, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, 4, img.PtrSize)

	p, err := Decode([]byte(`
patterns:
  - pattern: "8B 0D | ?? ?? ?? ?? E8"
    captures: [PlayerManager]
vmts:
  - class: game::Player
    vtable: VTable_game_Player
    captures: {Player_Update: 1, Player_GetName: 2}
`), "yaml")
	require.NoError(t, err)

	table, err := Run(img, p)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{
		"PlayerManager":      mgr,
		"VTable_game_Player": player.VTable,
		"Player_Update":      player.Methods[1],
		"Player_GetName":     player.Methods[2],
	}, table.Map())
}

func TestRunIsDeterministic(t *testing.T) {
	b, _ := testImage(t)
	path := filepath.Join(t.TempDir(), "game.exe")
	require.NoError(t, b.WriteFile(path))
	p, err := Decode([]byte(yamlProfile), "yaml")
	require.NoError(t, err)

	var outs [2]bytes.Buffer
	for i := range outs {
		img, err := image.Open(path)
		require.NoError(t, err)
		table, err := Run(img, p)
		require.NoError(t, err)
		require.NoError(t, table.WriteGenerated(&outs[i]))
		require.NoError(t, img.Close())
	}
	assert.NotEmpty(t, outs[0].Bytes())
	assert.Equal(t, outs[0].Bytes(), outs[1].Bytes())
	assert.NotContains(t, outs[0].String(), ": 0x0,")
}

func TestRunPatternNotFound(t *testing.T) {
	b := pebuild.New(8)
	b.Code(0x90, 0x90, 0xc3)
	img, err := b.Build()
	require.NoError(t, err)

	p, err := Decode([]byte(`patterns: [{pattern: "48 8B 0D | ?? ?? ?? ?? E8 | ?? ?? ?? ??", captures: [First, Second]}]`), "yaml")
	require.NoError(t, err)

	table, err := Run(img, p)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"First": 0, "Second": 0}, table.Map())
	assert.Equal(t, []string{"First", "Second"}, Missing(p, table))

	var buf bytes.Buffer
	require.NoError(t, table.WriteGenerated(&buf))
	assert.Equal(t, "First: 0x0,\nSecond: 0x0,\n", buf.String())
}

func TestRunClassNotFound(t *testing.T) {
	b, _ := testImage(t)
	img, err := b.Build()
	require.NoError(t, err)
	p, err := Decode([]byte(`vmts: [{class: "game::Ghost", captures: {Ghost_Tick: 1}}]`), "yaml")
	require.NoError(t, err)

	_, err = Run(img, p)
	assert.ErrorIs(t, err, ErrClassNotFound)
	assert.ErrorContains(t, err, "game::Ghost")
}

func TestRunSlotOutsideVTable(t *testing.T) {
	b, _ := testImage(t)
	img, err := b.Build()
	require.NoError(t, err)
	// slot 3 is the terminating null pointer
	p, err := Decode([]byte(`vmts: [{class: "game::Player", captures: {Past: 3}}]`), "yaml")
	require.NoError(t, err)
	_, err = Run(img, p)
	assert.Error(t, err)
}

func TestRunSlotOverflow(t *testing.T) {
	b, _ := testImage(t)
	img, err := b.Build()
	require.NoError(t, err)
	for _, slot := range []string{"0x20000001", "0x100000001", "0x7fffffffffffffff"} {
		t.Run(slot, func(t *testing.T) {
			p, err := Decode([]byte(`vmts: [{class: "game::Player", captures: {Huge: `+slot+`}}]`), "yaml")
			require.NoError(t, err)
			table, err := Run(img, p)
			assert.ErrorIs(t, err, image.ErrOutOfRange)
			assert.Nil(t, table)
		})
	}
}

func TestMissing(t *testing.T) {
	p, err := Decode([]byte(yamlProfile), "yaml")
	require.NoError(t, err)
	table := offsets.FromMap(map[string]uint32{
		"PlayerManager":  0x10,
		"WorldRoot":      0,
		"Player_Update":  0x20,
		"Player_GetName": 0x30,
		"Extra":          0x40,
	})
	assert.Equal(t, []string{"VTable_game_Player", "WorldRoot"}, Missing(p, table))
}

func TestExecutorScansOnce(t *testing.T) {
	b, _ := testImage(t)
	img, err := b.Build()
	require.NoError(t, err)
	e := NewExecutor(img)
	idx := e.Index()
	assert.Same(t, idx, e.Index())
	assert.Equal(t, 2, idx.Len())
}
