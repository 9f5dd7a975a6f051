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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/offsetgen/internal/colors"
	"github.com/blacktop/offsetgen/internal/config"
	"github.com/blacktop/offsetgen/internal/magic"
	"github.com/blacktop/offsetgen/internal/utils"
	"github.com/blacktop/offsetgen/pkg/image"
	"github.com/blacktop/offsetgen/pkg/profile"
	"github.com/blacktop/offsetgen/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
	// AppVersion stores the plugin's version
	AppVersion string
	// AppBuildTime stores the plugin's build time
	AppBuildTime string
)

// rootCmd extracts an offset table from a game binary
var rootCmd = &cobra.Command{
	Use:   "offsetgen",
	Short: "Generate offset tables for Windows game binaries",
	Example: heredoc.Doc(`
		# Print the offsets a profile describes
		❯ offsetgen --profile d4.yaml --exe Diablo\ IV.exe
		# Write a table for the runtime to load
		❯ offsetgen -p d4.yaml -e Diablo\ IV.exe --output generated -o offsets.txt
		# Generate a Go file registering the table for this build
		❯ offsetgen -p d4.yaml -e Diablo\ IV.exe --output go --package d4 -o d4/build_54321.go`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
		if viper.IsSet("color") {
			force := viper.GetBool("color")
			colors.Init(&force)
		} else {
			colors.Init(nil)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		opts := conf.Extract
		if err := opts.Verify(); err != nil {
			return err
		}

		p, err := profile.Load(opts.Profile)
		if err != nil {
			return err
		}
		img, err := openImage(opts.Exe)
		if err != nil {
			return err
		}
		defer img.Close()

		log.WithFields(log.Fields{
			"profile": filepath.Base(opts.Profile),
			"symbols": len(p.Names()),
		}).Info("Extracting offsets")

		table, err := profile.Run(img, p)
		if err != nil {
			return err
		}
		if missing := profile.Missing(p, table); len(missing) > 0 {
			log.Warnf("%d symbols not found", len(missing))
			for _, name := range missing {
				utils.Indent(log.Warn, 2)(name)
			}
		}

		w, closeOut, err := openOutput(opts.Out)
		if err != nil {
			return err
		}
		defer closeOut()
		tty := colors.Enabled() && w == io.Writer(os.Stdout)

		switch opts.Output {
		case "generated":
			err = table.WriteGenerated(w)
		case "go":
			var key version.Key
			key, err = version.KeyFromImage(img)
			if err != nil {
				return err
			}
			if tty {
				var buf bytes.Buffer
				if err = version.WriteGo(&buf, key, table, opts.Package, opts.Var); err == nil {
					err = quick.Highlight(w, buf.String(), "go", "terminal256", "nord")
				}
			} else {
				err = version.WriteGo(w, key, table, opts.Package, opts.Var)
			}
		default:
			err = table.WritePrint(w, tty)
		}
		if err != nil {
			return err
		}
		return closeOut()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/offsetgen/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindEnv("color", "CLICOLOR")

	rootCmd.Flags().StringP("profile", "p", "", "Extraction profile (.json, .yaml or .toml)")
	rootCmd.Flags().StringP("exe", "e", "", "Game executable to extract from")
	rootCmd.Flags().String("output", "print", "Output format (print, generated, go)")
	rootCmd.Flags().String("package", "offsets", "Package name for --output go")
	rootCmd.Flags().String("var", "Table", "Variable name for --output go")
	rootCmd.Flags().StringP("out", "o", "", "Write output to file instead of stdout")
	rootCmd.MarkFlagFilename("profile", "json", "yaml", "yml", "toml")
	rootCmd.MarkFlagFilename("exe", "exe")
	rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return config.OutputFormats, cobra.ShellCompDirectiveNoFileComp
	})
	viper.BindPFlag("extract.profile", rootCmd.Flags().Lookup("profile"))
	viper.BindPFlag("extract.exe", rootCmd.Flags().Lookup("exe"))
	viper.BindPFlag("extract.output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("extract.package", rootCmd.Flags().Lookup("package"))
	viper.BindPFlag("extract.var", rootCmd.Flags().Lookup("var"))
	viper.BindPFlag("extract.out", rootCmd.Flags().Lookup("out"))

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "offsetgen"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("offsetgen")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func openImage(path string) (*image.Image, error) {
	if ok, err := magic.IsPE(path); !ok {
		return nil, err
	}
	img, err := image.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return img, nil
}

// openOutput returns stdout for an empty path. The returned close func is
// safe to call more than once.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	closed := false
	return f, func() error {
		if closed {
			return nil
		}
		closed = true
		if err := f.Close(); err != nil {
			return err
		}
		log.WithField("path", path).Info("Wrote output")
		return nil
	}, nil
}
