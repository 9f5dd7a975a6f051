package colors

import (
	"errors"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	on, off := true, false
	color.NoColor = true
	Init(&on)
	assert.True(t, Enabled())

	Init(&off)
	assert.False(t, Enabled())
}

func TestInitDetectsPipe(t *testing.T) {
	orig, stdout := color.NoColor, os.Stdout
	defer func() { color.NoColor, os.Stdout = orig, stdout }()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	os.Stdout = w
	color.NoColor = false
	Init(nil)
	assert.False(t, Enabled())
	assert.False(t, IsTerminal(w))
}

func TestWith(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = true
	var inside bool
	boom := errors.New("boom")
	err := With(true, func() error {
		inside = Enabled()
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, inside)
	assert.False(t, Enabled())
	var styled string
	With(true, func() error { styled = Bold().Sprint("x"); return nil })
	assert.Contains(t, styled, "\x1b[1m")
}
