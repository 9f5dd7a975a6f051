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
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/internal/config"
	"github.com/blacktop/offsetgen/internal/utils"
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/blacktop/offsetgen/pkg/rtti"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(classesCmd)

	classesCmd.Flags().StringP("filter", "f", "", "Only list classes matching regex")
	classesCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	classesCmd.Flags().Bool("all", false, "Include secondary vtables of multiply inherited classes")
	viper.BindPFlag("classes.filter", classesCmd.Flags().Lookup("filter"))
	viper.BindPFlag("classes.json", classesCmd.Flags().Lookup("json"))
	viper.BindPFlag("classes.all", classesCmd.Flags().Lookup("all"))
	classesCmd.MarkZshCompPositionalArgumentFile(1, "*.exe", "*.dll")
}

// classesCmd represents the classes command
var classesCmd = &cobra.Command{
	Use:     "classes <EXE>",
	Aliases: []string{"rtti"},
	Short:   "List the polymorphic classes found in a binary's RTTI",
	Example: heredoc.Doc(`
		# List every class with its vtable RVA and symbol name
		❯ offsetgen classes Diablo\ IV.exe
		# Only classes in the game namespace, as JSON
		❯ offsetgen classes --filter '^game::' --json Diablo\ IV.exe`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		var re *regexp.Regexp
		if filter := conf.Classes.Filter; filter != "" {
			if re, err = regexp.Compile(filter); err != nil {
				return fmt.Errorf("invalid --filter: %w", err)
			}
		}

		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		var recs []rtti.Record
		if conf.Classes.All {
			for rec := range rtti.Scan(img) {
				recs = append(recs, rec)
			}
		} else {
			recs = rtti.Build(img).Primary()
		}
		if re != nil {
			kept := recs[:0]
			for _, rec := range recs {
				if re.MatchString(rec.Name) {
					kept = append(kept, rec)
				}
			}
			recs = kept
		}
		log.WithField("count", len(recs)).Debug("Classes")

		if conf.Classes.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, rec := range recs {
			line := fmt.Sprintf("%s\t%s\t%s",
				colors.HiMagenta().Sprintf("%#08x", rec.VTable),
				colors.Bold().Sprint(rec.Name),
				colors.Faint().Sprint(offsets.VTableSymbol(rec.Name)),
			)
			if rec.Offset != 0 {
				line += "\t" + colors.HiYellow().Sprintf("+%#x", rec.Offset)
			}
			if Verbose {
				line += "\t" + colors.ItalicFaint().Sprint(utils.Truncate(rec.Mangled, 96))
			}
			fmt.Fprintln(w, line)
		}
		return w.Flush()
	},
}
