package image_test

import (
	"bytes"
	"debug/pe"
	"path/filepath"
	"testing"

	"github.com/blacktop/offsetgen/internal/pebuild"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(t *testing.T) (*pebuild.Image, *image.Image) {
	t.Helper()
	b := pebuild.New(8)
	b.Code(0x90, 0x90, 0xc3)
	b.ReadOnly([]byte("hello\x00world")...)
	b.Global(0x1122334455667788)
	img, err := b.Build()
	require.NoError(t, err)
	return b, img
}

func TestAddressTranslation(t *testing.T) {
	_, img := testImage(t)

	tests := []struct {
		name string
		rva  uint32
		ok   bool
	}{
		{"text start", pebuild.TextRVA, true},
		{"text end", pebuild.TextRVA + 2, true},
		{"past text", pebuild.TextRVA + 3, false},
		{"rdata", pebuild.RDataRVA + 4, true},
		{"data", pebuild.DataRVA, true},
		{"headers", 0x10, false},
		{"gap", 0x30000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			va, err := img.RVAToVA(tt.rva)
			if !tt.ok {
				assert.ErrorIs(t, err, image.ErrOutOfRange)
				_, err = img.VAToRVA(img.Base + uint64(tt.rva))
				assert.ErrorIs(t, err, image.ErrOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, img.Base+uint64(tt.rva), va)
			rva, err := img.VAToRVA(va)
			require.NoError(t, err)
			assert.Equal(t, tt.rva, rva)
		})
	}
}

func TestVAToRVABelowBase(t *testing.T) {
	_, img := testImage(t)
	_, err := img.VAToRVA(img.Base - 1)
	assert.ErrorIs(t, err, image.ErrOutOfRange)
	_, err = img.VAToRVA(0)
	assert.ErrorIs(t, err, image.ErrOutOfRange)
}

func TestReads(t *testing.T) {
	_, img := testImage(t)

	s, err := img.ReadCString(pebuild.RDataRVA, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = img.ReadCString(pebuild.RDataRVA+6, 64)
	assert.ErrorIs(t, err, image.ErrTruncated)

	p, err := img.ReadPointer(pebuild.DataRVA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), p)

	v, err := image.Read[uint32](img, pebuild.DataRVA)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x55667788), v)

	_, err = image.Read[[]uint32](img, pebuild.DataRVA)
	assert.ErrorContains(t, err, "no fixed size")
	_, err = image.Read[string](img, pebuild.DataRVA)
	assert.ErrorContains(t, err, "no fixed size")

	buf := make([]byte, 4)
	assert.ErrorIs(t, img.ReadAt(buf, pebuild.TextRVA+1), image.ErrTruncated)
	assert.ErrorIs(t, img.ReadAt(buf, 0x20), image.ErrOutOfRange)
}

func TestSections(t *testing.T) {
	_, img := testImage(t)

	text, err := img.Code()
	require.NoError(t, err)
	assert.True(t, text.Executable())
	assert.False(t, text.Writable())

	rdata, err := img.ReadOnlyData()
	require.NoError(t, err)
	assert.False(t, rdata.Executable())

	_, err = img.Section(".tls")
	assert.ErrorIs(t, err, image.ErrSectionNotFound)

	assert.Equal(t, rdata, img.SectionForRVA(pebuild.RDataRVA+1))
	assert.Nil(t, img.SectionForRVA(0x30000))
}

func TestNewRejectsOverlap(t *testing.T) {
	_, err := image.New(0x400000, 8,
		image.NewSection(".a", 0x1000, 0, make([]byte, 0x100)),
		image.NewSection(".b", 0x1080, 0, make([]byte, 0x100)),
	)
	assert.ErrorIs(t, err, image.ErrInvalidImage)

	_, err = image.New(0x400000, 2)
	assert.ErrorIs(t, err, image.ErrInvalidImage)
}

func TestNewFromBytes(t *testing.T) {
	for _, ptr := range []int{4, 8} {
		b := pebuild.New(ptr)
		b.Code(0xcc, 0xcc)
		b.ReadOnly(1, 2, 3, 4)
		data, err := b.PE()
		require.NoError(t, err)

		img, err := image.NewFromBytes(data)
		require.NoError(t, err)
		assert.Equal(t, ptr, img.PtrSize)
		assert.Equal(t, b.Base, img.Base)

		v, err := image.Read[uint32](img, pebuild.RDataRVA)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x04030201), v)
	}

	_, err := image.NewFromBytes([]byte("not a pe"))
	assert.ErrorIs(t, err, image.ErrInvalidImage)
}

func TestOpen(t *testing.T) {
	b := pebuild.New(8)
	b.Code(0xc3)
	b.ReadOnly(0xaa)
	path := filepath.Join(t.TempDir(), "game.exe")
	require.NoError(t, b.WriteFile(path))

	img, err := image.Open(path)
	require.NoError(t, err)
	defer img.Close()
	assert.Len(t, img.Sections(), 2)

	_, err = image.Open(filepath.Join(t.TempDir(), "missing.exe"))
	assert.Error(t, err)
}

func TestVersionInfo(t *testing.T) {
	b := pebuild.New(8)
	b.Code(0xc3)
	b.Version = &pebuild.Version{
		Product:  "Diablo IV",
		Language: 0x0409,
		CodePage: 0x04b0,
		File:     [4]uint16{1, 5, 3, 54321},
		Strings:  map[string]string{"CompanyName": "Blizzard Entertainment"},
	}
	data, err := b.PE()
	require.NoError(t, err)

	img, err := image.NewFromBytes(data)
	require.NoError(t, err)

	info, err := img.VersionInfo()
	require.NoError(t, err)
	assert.Equal(t, [4]uint16{1, 5, 3, 54321}, info.FileVersion)
	assert.Equal(t, "Diablo IV", info.ProductName())
	assert.Equal(t, uint16(0x0409), info.Language)
	assert.Equal(t, uint16(0x04b0), info.CodePage)
	assert.Equal(t, "Blizzard Entertainment", info.Strings["CompanyName"])
}

// loaderLayout copies a PE file into the layout the loader maps it with.
func loaderLayout(t *testing.T, file []byte) []byte {
	t.Helper()
	f, err := pe.NewFile(bytes.NewReader(file))
	require.NoError(t, err)
	var size, headers uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		size, headers = oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader32:
		size, headers = oh.SizeOfImage, oh.SizeOfHeaders
	}
	mem := make([]byte, size)
	copy(mem, file[:headers])
	for _, s := range f.Sections {
		data, err := s.Data()
		require.NoError(t, err)
		require.NotEqual(t, s.Offset, s.VirtualAddress, "section %s must move when mapped", s.Name)
		copy(mem[s.VirtualAddress:], data)
	}
	return mem
}

func TestNewFromMemory(t *testing.T) {
	for _, ptr := range []int{4, 8} {
		b := pebuild.New(ptr)
		b.Code(0xc3)
		b.ReadOnly(0xef, 0xbe, 0xad, 0xde)
		b.Version = &pebuild.Version{Product: "Diablo IV", Language: 0x0409, CodePage: 0x04b0, File: [4]uint16{1, 5, 3, 54321}}
		data, err := b.PE()
		require.NoError(t, err)

		img, err := image.NewFromMemory(loaderLayout(t, data), 0x7ff600000000)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x7ff600000000), img.Base)
		assert.Equal(t, ptr, img.PtrSize)

		v, err := image.Read[uint32](img, pebuild.RDataRVA)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdeadbeef), v)

		info, err := img.VersionInfo()
		require.NoError(t, err, "ptr=%d", ptr)
		assert.Equal(t, "Diablo IV", info.ProductName())
		assert.Equal(t, uint16(0x0409), info.Language)
		assert.Equal(t, [4]uint16{1, 5, 3, 54321}, info.FileVersion)
	}

	_, err := image.NewFromMemory([]byte("MZ"), 0)
	assert.ErrorIs(t, err, image.ErrInvalidImage)
}

func TestVersionInfoMissing(t *testing.T) {
	_, img := testImage(t)
	_, err := img.VersionInfo()
	assert.ErrorIs(t, err, image.ErrNoVersionInfo)
}

func TestProductNameFallback(t *testing.T) {
	v := &image.VersionInfo{Strings: map[string]string{"InternalName": "game"}}
	assert.Equal(t, "game", v.ProductName())
}
