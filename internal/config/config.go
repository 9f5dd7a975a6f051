// Package config is used to load the configuration file
package config

import (
	"fmt"
	"go/token"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// OutputFormats are the accepted values of extract.output.
var OutputFormats = []string{"print", "generated", "go"}

// Extract holds the settings of an extraction run.
type Extract struct {
	Profile string `mapstructure:"profile"`
	Exe     string `mapstructure:"exe"`
	Output  string `mapstructure:"output"`
	Package string `mapstructure:"package"`
	Var     string `mapstructure:"var"`
	Out     string `mapstructure:"out"`
}

type check struct {
	Profile string `mapstructure:"profile"`
	Catalog string `mapstructure:"catalog"`
}

type classes struct {
	Filter string `mapstructure:"filter"`
	JSON   bool   `mapstructure:"json"`
	All    bool   `mapstructure:"all"`
}

type scan struct {
	Max  int  `mapstructure:"max"`
	Dump bool `mapstructure:"dump"`
}

type classOf struct {
	PID  uint32 `mapstructure:"pid"`
	Base string `mapstructure:"base"`
}

type diff struct {
	Unified bool `mapstructure:"unified"`
}

// Config is the configuration struct
type Config struct {
	Verbose bool    `mapstructure:"verbose"`
	Color   bool    `mapstructure:"color"`
	Extract Extract `mapstructure:"extract"`
	Check   check   `mapstructure:"check"`
	Classes classes `mapstructure:"classes"`
	Scan    scan    `mapstructure:"scan"`
	Diff    diff    `mapstructure:"diff"`
	ClassOf classOf `mapstructure:"classof"`
}

func (c *Config) verify() error {
	if c.Extract.Output == "" {
		c.Extract.Output = "print"
	}
	if c.Extract.Package == "" {
		c.Extract.Package = "offsets"
	}
	if c.Extract.Var == "" {
		c.Extract.Var = "Table"
	}
	if c.Scan.Max < 0 {
		return fmt.Errorf("scan.max must not be negative")
	}
	return nil
}

// Verify checks the settings an extraction run needs.
func (e *Extract) Verify() error {
	if e.Profile == "" || e.Exe == "" {
		return fmt.Errorf("must supply --profile and --exe")
	}
	if !slices.Contains(OutputFormats, e.Output) {
		return fmt.Errorf("invalid --output %q (must be one of %s)", e.Output, strings.Join(OutputFormats, ", "))
	}
	if e.Output == "go" {
		if !token.IsIdentifier(e.Package) {
			return fmt.Errorf("invalid --package %q", e.Package)
		}
		if !token.IsExported(e.Var) {
			return fmt.Errorf("--var %q must be an exported identifier", e.Var)
		}
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load decodes the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return &c, nil
}
