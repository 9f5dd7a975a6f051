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
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/internal/config"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().BoolP("unified", "u", false, "Show a unified diff of the generated tables")
	viper.BindPFlag("diff.unified", diffCmd.Flags().Lookup("unified"))
}

// diffCmd represents the diff command
var diffCmd = &cobra.Command{
	Use:   "diff <OLD> <NEW>",
	Short: "Compare the offset tables of two builds",
	Example: heredoc.Doc(`
		# See which symbols moved after a patch
		❯ offsetgen diff offsets_54321.txt offsets_54400.txt
		# As a unified diff
		❯ offsetgen diff -u offsets_54321.txt offsets_54400.txt`),
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		prev, err := parseTable(args[0])
		if err != nil {
			return err
		}
		curr, err := parseTable(args[1])
		if err != nil {
			return err
		}

		if conf.Diff.Unified {
			out, err := offsets.Unified(args[0], args[1], prev, curr)
			if err != nil {
				return err
			}
			if out == "" {
				log.Info("Tables are identical")
				return nil
			}
			if colors.Enabled() {
				return quick.Highlight(os.Stdout, out, "diff", "terminal256", "nord")
			}
			fmt.Print(out)
			return nil
		}

		changes := offsets.Diff(prev, curr)
		if len(changes) == 0 {
			log.Info("Tables are identical")
			return nil
		}
		log.WithField("changed", len(changes)).Info("Symbols differ")
		return offsets.WriteChanges(os.Stdout, changes, colors.Enabled())
	},
}

func parseTable(path string) (*offsets.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := offsets.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return t, nil
}
