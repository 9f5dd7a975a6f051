package utils

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertStrToInt(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x140001000", 0x140001000, false},
		{"0X1F", 0x1f, false},
		{"4096", 4096, false},
		{" 0x1_000 ", 0x1000, false},
		{"0b101", 5, false},
		{"deadbeef", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ConvertStrToInt(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPad(t *testing.T) {
	assert.Equal(t, "   ", Pad(3))
	assert.Equal(t, " ", Pad(0))
	assert.Equal(t, " ", Pad(-2))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "game::Pl...", Truncate("game::PlayerManager", 11))
	assert.Equal(t, "abcdef", Truncate("abcdef", 3))
}

func TestHexDump(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	assert.Empty(t, HexDump(nil, 0))

	data := []byte("\x48\x8b\x0dABCDEFGHIJKLMNOPQ\x00")
	want := "" +
		"0000000140001000  48 8b 0d 41 42 43 44 45  46 47 48 49 4a 4b 4c 4d  |H..ABCDEFGHIJKLM|\n" +
		"0000000140001010  4e 4f 50 51 00                                    |NOPQ.|\n"
	assert.Equal(t, want, HexDump(data, 0x140001000))
}
