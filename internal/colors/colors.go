// Package colors holds the terminal styles used by offsetgen's human output.
//
// Colors follow the terminal by default: they are off when stdout is piped or
// redirected. Init overrides that from the --color flag.
package colors

import (
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Init sets whether output is colored. A nil force keeps auto-detection.
func Init(force *bool) {
	if force != nil {
		color.NoColor = !*force
		return
	}
	color.NoColor = !IsTerminal(os.Stdout)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Enabled reports whether colors are on.
func Enabled() bool {
	return !color.NoColor
}

// With runs f with colors forced on or off and restores the previous setting.
func With(enabled bool, f func() error) error {
	prev := color.NoColor
	color.NoColor = !enabled
	defer func() { color.NoColor = prev }()
	return f()
}

func Bold() *color.Color        { return color.New(color.Bold) }
func Faint() *color.Color       { return color.New(color.Faint) }
func ItalicFaint() *color.Color { return color.New(color.Italic, color.Faint) }
func Green() *color.Color       { return color.New(color.FgGreen) }
func BoldRed() *color.Color     { return color.New(color.Bold, color.FgRed) }
func BoldHiBlue() *color.Color  { return color.New(color.Bold, color.FgHiBlue) }
func BoldHiCyan() *color.Color  { return color.New(color.Bold, color.FgHiCyan) }
func HiMagenta() *color.Color   { return color.New(color.FgHiMagenta) }
func FaintHiBlue() *color.Color { return color.New(color.Faint, color.FgHiBlue) }
func HiYellow() *color.Color    { return color.New(color.FgHiYellow) }
