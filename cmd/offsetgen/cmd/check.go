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
	"slices"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/internal/config"
	"github.com/blacktop/offsetgen/internal/utils"
	"github.com/blacktop/offsetgen/pkg/live"
	"github.com/blacktop/offsetgen/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringP("profile", "p", "", "Extraction profile the table was generated from")
	checkCmd.Flags().StringP("catalog", "c", "", "Type catalog (.yaml) whose symbols must also be present")
	checkCmd.MarkFlagFilename("profile", "json", "yaml", "yml", "toml")
	checkCmd.MarkFlagFilename("catalog", "yaml", "yml")
	viper.BindPFlag("check.profile", checkCmd.Flags().Lookup("profile"))
	viper.BindPFlag("check.catalog", checkCmd.Flags().Lookup("catalog"))
}

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check <TABLE>",
	Short: "Verify a generated table covers every symbol a profile declares",
	Example: heredoc.Doc(`
		# Fail when any declared symbol is missing or zero
		❯ offsetgen check --profile d4.yaml offsets.txt
		# Also require the vtables and singletons of a type catalog
		❯ offsetgen check -p d4.yaml -c types.yaml offsets.txt`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		profPath := conf.Check.Profile
		if profPath == "" {
			return fmt.Errorf("must supply --profile")
		}
		p, err := profile.Load(profPath)
		if err != nil {
			return err
		}

		table, err := parseTable(args[0])
		if err != nil {
			return err
		}

		missing := profile.Missing(p, table)
		if catPath := conf.Check.Catalog; catPath != "" {
			data, err := os.ReadFile(catPath)
			if err != nil {
				return err
			}
			cat, err := live.DecodeCatalog(data)
			if err != nil {
				return err
			}
			for _, sym := range cat.Symbols() {
				if !table.Has(sym) && !slices.Contains(missing, sym) {
					missing = append(missing, sym)
				}
			}
		}

		if len(missing) == 0 {
			log.WithField("symbols", table.Len()).Info(colors.Green().Sprint("Table is complete"))
			return nil
		}
		for _, name := range missing {
			utils.Indent(log.Error, 2)(colors.BoldRed().Sprint(name))
		}
		return fmt.Errorf("%d symbols not generated", len(missing))
	},
}
