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
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/internal/config"
	"github.com/blacktop/offsetgen/internal/utils"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/pattern"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/arch/x86/x86asm"
)

const maxInstLen = 15

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().IntP("max", "m", 20, "Stop after this many hits (0 for all)")
	scanCmd.Flags().BoolP("dump", "d", false, "Hexdump the matched bytes")
	viper.BindPFlag("scan.max", scanCmd.Flags().Lookup("max"))
	viper.BindPFlag("scan.dump", scanCmd.Flags().Lookup("dump"))
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <EXE> <PATTERN>",
	Short: "Search a binary's code for a byte pattern",
	Example: heredoc.Doc(`
		# Find loads of a global and resolve the captured displacement
		❯ offsetgen scan Diablo\ IV.exe "48 8B 0D | ?? ?? ?? ?? E8"`),
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		pat, err := pattern.Compile(args[1])
		if err != nil {
			return err
		}
		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer img.Close()
		text, err := img.Code()
		if err != nil {
			return err
		}

		limit := conf.Scan.Max
		hits := 0
		for m := range pat.FindAll(img, text) {
			hits++
			va, err := img.RVAToVA(m.RVA)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s  %s\n",
				colors.HiMagenta().Sprintf("%#08x", m.RVA),
				colors.Faint().Sprintf("(%#x)", va),
				disassemble(img, m.RVA, va),
			)
			for i, c := range m.Captures {
				fmt.Printf("%s[%d] -> %s\n", utils.Pad(4), i, colors.BoldHiCyan().Sprintf("%#08x", c))
			}
			if conf.Scan.Dump {
				buf := make([]byte, pat.Len())
				if err := img.ReadAt(buf, m.RVA); err == nil {
					fmt.Print(utils.HexDump(buf, va))
				}
			}
			if limit > 0 && hits >= limit {
				log.Warnf("stopped after %d hits (see --max)", limit)
				break
			}
		}
		if hits == 0 {
			return fmt.Errorf("pattern %s not found", pat)
		}
		return nil
	},
}

// disassemble renders the instruction at rva in Intel syntax.
func disassemble(img *image.Image, rva uint32, va uint64) string {
	text, err := img.Code()
	if err != nil {
		return ""
	}
	data, err := text.Data()
	if err != nil {
		return ""
	}
	off := rva - text.VirtualAddress
	code := data[off:min(int(off)+maxInstLen, len(data))]
	inst, err := x86asm.Decode(code, img.PtrSize*8)
	if err != nil {
		return colors.BoldRed().Sprintf("(bad) %x", code[:min(4, len(code))])
	}
	asm := x86asm.IntelSyntax(inst, va, nil)
	return strings.ToLower(asm)
}
