package version

import (
	"bytes"
	"go/parser"
	"go/token"
	"testing"

	"github.com/blacktop/offsetgen/internal/pebuild"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuild(t *testing.T) {
	tests := []struct {
		in      string
		want    Build
		wantErr bool
	}{
		{in: "1.5.3.54321", want: Build{1, 5, 3, 54321}},
		{in: "0.0.0.0", want: Build{}},
		{in: "2.0.0.65535", want: Build{2, 0, 0, 65535}},
		{in: "1.2.3", wantErr: true},
		{in: "1.2.3.4.5", wantErr: true},
		{in: "1.2.3.70000", wantErr: true},
		{in: "1.2.3.4-beta", wantErr: true},
		{in: "one", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBuild(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func gameImage(t *testing.T, product string, lang uint16, build Build) *image.Image {
	t.Helper()
	b := pebuild.New(8)
	b.Code(0xc3)
	b.Version = &pebuild.Version{Product: product, Language: lang, CodePage: 0x04b0, File: build}
	img, err := b.Build()
	require.NoError(t, err)
	return img
}

func TestKeyFromImage(t *testing.T) {
	img := gameImage(t, "Diablo IV", 0x0409, Build{1, 5, 3, 54321})
	key, err := KeyFromImage(img)
	require.NoError(t, err)
	assert.Equal(t, Key{Product: "Diablo IV", Locale: 0x0409, Build: Build{1, 5, 3, 54321}}, key)
	assert.Equal(t, "Diablo IV (locale 0x0409) 1.5.3.54321", key.String())

	b := pebuild.New(8)
	bare, err := b.Build()
	require.NoError(t, err)
	_, err = KeyFromImage(bare)
	assert.ErrorIs(t, err, image.ErrNoVersionInfo)
}

func TestResolveFailsClosed(t *testing.T) {
	known := Key{Product: "Diablo IV", Locale: 0x0409, Build: Build{1, 5, 3, 54321}}
	table := offsets.FromMap(map[string]uint32{"World": 0x1000})
	r := NewRegistry()
	r.Register(known, table)

	got, err := r.Resolve(gameImage(t, known.Product, known.Locale, known.Build))
	require.NoError(t, err)
	assert.Same(t, table, got)

	tests := []struct {
		name    string
		product string
		lang    uint16
		build   Build
	}{
		{"newer build", "Diablo IV", 0x0409, Build{1, 5, 3, 54322}},
		{"older build", "Diablo IV", 0x0409, Build{1, 5, 3, 54320}},
		{"other locale", "Diablo IV", 0x0407, known.Build},
		{"other product", "Diablo III", 0x0409, known.Build},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(gameImage(t, tt.product, tt.lang, tt.build))
			assert.ErrorIs(t, err, ErrUnsupportedVersion)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := Key{Product: "B", Build: Build{1, 0, 0, 2}}
	b := Key{Product: "A", Build: Build{1, 0, 0, 10}}
	c := Key{Product: "B", Build: Build{1, 0, 0, 1}}
	for _, k := range []Key{a, b, c} {
		r.Register(k, offsets.New())
	}
	assert.Equal(t, []Key{b, c, a}, r.Keys())

	_, ok := r.Lookup(Key{Product: "C"})
	assert.False(t, ok)

	assert.Panics(t, func() { r.Register(a, offsets.New()) })
}

func TestWriteGo(t *testing.T) {
	key := Key{Product: "Diablo IV", Locale: 0x0409, Build: Build{1, 5, 3, 54321}}
	table := offsets.FromMap(map[string]uint32{
		"World":              0x1a2b3c,
		"VTable_game_Player": 0x3f0010,
		"Missing":            0,
	})

	var buf bytes.Buffer
	require.NoError(t, WriteGo(&buf, key, table, "d4", "Offsets_1_5_3_54321"))
	src := buf.String()

	_, err := parser.ParseFile(token.NewFileSet(), "gen.go", src, 0)
	require.NoError(t, err, src)
	assert.Contains(t, src, "package d4")
	assert.Contains(t, src, `Product: "Diablo IV",`)
	assert.Contains(t, src, "Locale:  1033,")
	assert.Contains(t, src, "version.Build{1, 5, 3, 54321}")

	got, err := offsets.Parse(&buf)
	require.NoError(t, err)
	assert.True(t, table.Equal(got), "got %v", got.Map())

	assert.Error(t, WriteGo(&buf, key, table, "bad-pkg", "X"))
}
