package cmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/blacktop/offsetgen/internal/pebuild"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/live"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfile = `
patterns:
  - pattern: "48 8B 0D | ?? ?? ?? ?? E8"
    captures: [PlayerManager]
vmts:
  - class: game::Player
    vtable: VTable_game_Player
    captures:
      Player_Update: 1
`

func writeFixtures(t *testing.T) (dir string, want map[string]uint32) {
	t.Helper()
	b := pebuild.New(8)
	b.Version = &pebuild.Version{Product: "Diablo IV", Language: 0x0409, CodePage: 0x04b0, File: [4]uint16{1, 5, 3, 54321}}
	mgr := b.Global(0)
	player := b.AddClass("game::Player", 2)
	at := b.Code(0x48, 0x8b, 0x0d)
	b.Code(binary.LittleEndian.AppendUint32(nil, uint32(int32(mgr)-int32(at+7)))...)
	b.Code(0xe8, 0, 0, 0, 0)

	dir = t.TempDir()
	require.NoError(t, b.WriteFile(filepath.Join(dir, "game.exe")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d4.yaml"), []byte(testProfile), 0o644))
	return dir, map[string]uint32{
		"PlayerManager":      mgr,
		"VTable_game_Player": player.VTable,
		"Player_Update":      player.Methods[1],
	}
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestExtractAndCheck(t *testing.T) {
	dir, want := writeFixtures(t)
	prof := filepath.Join(dir, "d4.yaml")
	exe := filepath.Join(dir, "game.exe")
	out := filepath.Join(dir, "out", "offsets.txt")

	require.NoError(t, run(t, "--profile", prof, "--exe", exe, "--output", "generated", "-o", out))
	f, err := os.Open(out)
	require.NoError(t, err)
	table, err := offsets.Parse(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, want, table.Map())

	require.NoError(t, run(t, "check", "--profile", prof, out))

	partial := filepath.Join(dir, "partial.txt")
	require.NoError(t, os.WriteFile(partial, []byte("PlayerManager: 0x1000,\n"), 0o644))
	assert.ErrorContains(t, run(t, "check", "--profile", prof, partial), "2 symbols not generated")

	goOut := filepath.Join(dir, "build.go")
	require.NoError(t, run(t, "--profile", prof, "--exe", exe, "--output", "go", "--package", "d4", "-o", goOut))
	src, err := os.ReadFile(goOut)
	require.NoError(t, err)
	assert.Contains(t, string(src), "package d4")
	assert.Contains(t, string(src), `"Diablo IV"`)
}

func TestExtractErrors(t *testing.T) {
	dir, _ := writeFixtures(t)
	prof := filepath.Join(dir, "d4.yaml")
	exe := filepath.Join(dir, "game.exe")

	assert.ErrorContains(t, run(t, "--profile", prof, "--exe", exe, "--output", "xml"), "invalid --output")
	assert.Error(t, run(t, "--profile", prof, "--exe", filepath.Join(dir, "missing.exe"), "--output", "print"))

	stale := filepath.Join(dir, "stale.yaml")
	require.NoError(t, os.WriteFile(stale, []byte(`vmts: [{class: "game::Ghost", captures: {Ghost_Tick: 1}}]`), 0o644))
	assert.ErrorContains(t, run(t, "--profile", stale, "--exe", exe, "--output", "print"), "class not found")
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.txt")
	cur := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(old, []byte("PlayerManager: 0x1000,\nWorld: 0x2000,\n"), 0o644))
	require.NoError(t, os.WriteFile(cur, []byte("PlayerManager: 0x1040,\nWorld: 0x2000,\n"), 0o644))

	assert.NoError(t, run(t, "diff", old, cur))
	assert.NoError(t, run(t, "diff", "--unified", old, old))
	assert.Error(t, run(t, "diff", old, filepath.Join(dir, "missing.txt")))
}

func TestCheckCatalog(t *testing.T) {
	dir, _ := writeFixtures(t)
	prof := filepath.Join(dir, "d4.yaml")
	partial := filepath.Join(dir, "partial.txt")
	require.NoError(t, os.WriteFile(partial, []byte("PlayerManager: 0x1000,\n"), 0o644))

	shared := filepath.Join(dir, "shared.yaml")
	require.NoError(t, os.WriteFile(shared, []byte("- name: game::Player\n  singleton: PlayerManager\n"), 0o644))
	assert.ErrorContains(t, run(t, "check", "-p", prof, "-c", shared, partial), "2 symbols not generated")

	extra := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(extra, []byte("- name: game::Player\n- name: game::Monster\n"), 0o644))
	assert.ErrorContains(t, run(t, "check", "-p", prof, "-c", extra, partial), "3 symbols not generated")
}

func TestDescribeObjects(t *testing.T) {
	b := pebuild.New(8)
	player := b.AddClass("game::Player", 2)
	monster := b.AddClass("game::Monster", 1)
	hero := b.Object(player.VTable, 32)
	orc := b.Object(monster.VTable, 32)
	plain := b.Global(0x1234)
	img, err := b.Build()
	require.NoError(t, err)
	mem := live.ImageMemory{Image: img}

	var out bytes.Buffer
	addrs := []string{fmt.Sprintf("%#x", b.VA(hero)), fmt.Sprintf("%d", b.VA(orc))}
	require.NoError(t, describeObjects(&out, img, mem, addrs))
	assert.Contains(t, out.String(), "game::Player")
	assert.Contains(t, out.String(), "game::Monster")

	out.Reset()
	err = describeObjects(&out, img, mem, []string{fmt.Sprintf("%#x", b.VA(hero)), fmt.Sprintf("%#x", b.VA(plain))})
	assert.ErrorContains(t, err, "1 of 2 objects not identified")
	assert.Contains(t, out.String(), "game::Player")

	assert.ErrorContains(t, describeObjects(&out, img, mem, []string{"nope"}), "invalid address")
}

func TestClassOfNeedsWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process reads are supported here")
	}
	dir, _ := writeFixtures(t)
	err := run(t, "classof", "--pid", "1", filepath.Join(dir, "game.exe"), "0x1000")
	assert.ErrorIs(t, err, image.ErrUnsupportedPlatform)
}
