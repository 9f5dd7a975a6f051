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
	"io"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/internal/config"
	"github.com/blacktop/offsetgen/internal/utils"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/live"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(classofCmd)

	classofCmd.Flags().Uint32P("pid", "P", 0, "Process to read the objects from")
	classofCmd.Flags().StringP("base", "b", "", "Address the executable is loaded at in the process (default: preferred base)")
	viper.BindPFlag("classof.pid", classofCmd.Flags().Lookup("pid"))
	viper.BindPFlag("classof.base", classofCmd.Flags().Lookup("base"))
	classofCmd.MarkFlagRequired("pid")
}

// classofCmd represents the classof command
var classofCmd = &cobra.Command{
	Use:   "classof <EXE> <ADDR>...",
	Short: "Name the class of live objects in a running game",
	Example: heredoc.Doc(`
		# Identify what an object pointer found in a debugger points at
		❯ offsetgen classof --pid 4242 --base 0x7ff6a0000000 Diablo\ IV.exe 0x1f2e3d4c5b60`),
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer img.Close()
		if conf.ClassOf.Base != "" {
			base, err := utils.ConvertStrToInt(conf.ClassOf.Base)
			if err != nil {
				return fmt.Errorf("invalid --base %q: %w", conf.ClassOf.Base, err)
			}
			img.Base = base
		}

		proc, err := live.OpenProcess(conf.ClassOf.PID)
		if err != nil {
			return fmt.Errorf("failed to open process %d: %w", conf.ClassOf.PID, err)
		}
		defer proc.Close()
		log.WithFields(log.Fields{
			"pid":  proc.PID(),
			"base": fmt.Sprintf("%#x", img.Base),
		}).Debug("Reading objects")

		return describeObjects(os.Stdout, img, proc, args[1:])
	},
}

// describeObjects prints the class of the object at each address, read
// through mem.
func describeObjects(w io.Writer, img *image.Image, mem live.Memory, addrs []string) error {
	ctx := live.NewContext(live.WithImage(img), live.WithTable(offsets.New()), live.WithMemory(mem))
	failed := 0
	for _, a := range addrs {
		addr, err := utils.ConvertStrToInt(a)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a, err)
		}
		name, err := ctx.ClassOf(addr)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s  %s\n", colors.HiMagenta().Sprintf("%#x", addr), colors.BoldRed().Sprint(err))
			continue
		}
		fmt.Fprintf(w, "%s  %s\n", colors.HiMagenta().Sprintf("%#x", addr), colors.Bold().Sprint(name))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d objects not identified", failed, len(addrs))
	}
	return nil
}
