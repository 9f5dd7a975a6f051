/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/version"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.MarkZshCompPositionalArgumentFile(1, "*.exe", "*.dll")
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <EXE>",
	Aliases:       []string{"i"},
	Short:         "Display a binary's sections and version key",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fi, err := os.Stat(args[0])
		if err != nil {
			return err
		}
		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		title := colors.BoldHiBlue().SprintFunc()
		fmt.Println(title("[File]"))
		fmt.Printf("  Size:    %s\n", humanize.Bytes(uint64(fi.Size())))
		fmt.Printf("  Base:    %#x\n", img.Base)
		fmt.Printf("  Bits:    %d\n", img.PtrSize*8)

		fmt.Println(title("[Sections]"))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, s := range img.Sections() {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				colors.Bold().Sprint(s.Name),
				colors.HiMagenta().Sprintf("%#08x-%#08x", s.VirtualAddress, s.End()),
				humanize.Bytes(uint64(s.VirtualSize)),
				perms(s),
			)
		}
		w.Flush()

		fmt.Println(title("[Version]"))
		vi, err := img.VersionInfo()
		if errors.Is(err, image.ErrNoVersionInfo) {
			log.Warn("no version resource, tables cannot be selected for this binary")
			return nil
		} else if err != nil {
			return err
		}
		keys := make([]string, 0, len(vi.Strings))
		for k := range vi.Strings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-18s %s\n", k+":", vi.Strings[k])
		}
		key, err := version.KeyFromImage(img)
		if err != nil {
			return err
		}
		fmt.Printf("  %-18s %s\n", "Key:", colors.BoldHiCyan().Sprint(key))
		if _, ok := version.Default.Lookup(key); ok {
			fmt.Printf("  %-18s %s\n", "Table:", colors.Green().Sprint("compiled in"))
		}
		return nil
	},
}

func perms(s *image.Section) string {
	p := []byte("r--")
	if s.Writable() {
		p[1] = 'w'
	}
	if s.Executable() {
		p[2] = 'x'
	}
	return string(p)
}
