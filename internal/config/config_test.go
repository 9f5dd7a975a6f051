package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
verbose: true
extract:
  profile: d4.yaml
  exe: Diablo IV.exe
  output: go
  package: d4
classes:
  json: true
scan:
  max: 5
`)))
	c, err := Load(v)
	require.NoError(t, err)
	assert.True(t, c.Verbose)
	assert.Equal(t, Extract{Profile: "d4.yaml", Exe: "Diablo IV.exe", Output: "go", Package: "d4", Var: "Table"}, c.Extract)
	assert.True(t, c.Classes.JSON)
	assert.Equal(t, 5, c.Scan.Max)
	assert.NoError(t, c.Extract.Verify())
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "print", c.Extract.Output)
	assert.Equal(t, "offsets", c.Extract.Package)
	assert.ErrorContains(t, c.Extract.Verify(), "must supply --profile")
}

func TestLoadRejectsNegativeMax(t *testing.T) {
	v := viper.New()
	v.Set("scan.max", -1)
	_, err := Load(v)
	assert.ErrorContains(t, err, "scan.max")
}

func TestExtractVerify(t *testing.T) {
	base := Extract{Profile: "p.yaml", Exe: "g.exe", Output: "print", Package: "offsets", Var: "Table"}
	tests := []struct {
		name   string
		modify func(*Extract)
		want   string
	}{
		{"bad output", func(e *Extract) { e.Output = "xml" }, "invalid --output"},
		{"bad package", func(e *Extract) { e.Output, e.Package = "go", "d-4" }, "invalid --package"},
		{"unexported var", func(e *Extract) { e.Output, e.Var = "go", "table" }, "exported"},
		{"print ignores var", func(e *Extract) { e.Var = "table" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base
			tt.modify(&e)
			err := e.Verify()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
