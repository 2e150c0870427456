// Package hconfig loads the CLI's persistent defaults — sink selection,
// break policy, trace breadth, symbol search paths — from an optional YAML
// file, so a team can check in a shared `hindsight.yaml` instead of
// repeating flags on every invocation. Grounded on spec.md §6.2's CLI
// surface and pkg/debugger/cli.go's flag set, using gopkg.in/yaml.v3 the
// way the rest of the Go ecosystem's CLI tools load config files.
package hconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hindsight-dbg/hindsight/pkg/hlog"
)

// Config mirrors spec.md §6.2's global and per-subcommand flags. Every
// field is optional; zero values mean "let the flag default apply" and a
// flag explicitly passed on the command line always overrides the file.
type Config struct {
	// Sinks
	Stdout      bool   `yaml:"stdout"`
	LogPath     string `yaml:"log_path"`
	BinaryPath  string `yaml:"write_binary"`
	Bland       bool   `yaml:"bland"`

	// Break policy
	BreakOnBreakpoint bool `yaml:"break_breakpoint"`
	BreakOnException  bool `yaml:"break_exception"`
	FirstChance       bool `yaml:"first_chance"`

	// Trace breadth
	MaxRecursion    uint64 `yaml:"max_recursion"`
	MaxInstructions int    `yaml:"max_instruction"`

	// Misc
	PrintCPUContext bool     `yaml:"print_cpu_context"`
	PrintTimestamps bool     `yaml:"print_timestamps"`
	SymbolSearchPath string  `yaml:"symbol_search_path"`
	ReplayFilter    []string `yaml:"replay_filter"`
	NoSanityCheck   bool     `yaml:"no_sanity_check"`
}

// DefaultMaxRecursion and DefaultMaxInstructions apply when a config and
// every flag are silent. They differ from pkg/unwind's zero values (which
// disable folding and disassembly): a run of 10 or more self-recursive
// frames is folded, and up to 200 instructions per frame are disassembled.
const (
	DefaultMaxRecursion    = 10
	DefaultMaxInstructions = 200
)

// Default returns a Config with the spec's stated defaults applied.
func Default() Config {
	return Config{
		Stdout:          true,
		MaxRecursion:    DefaultMaxRecursion,
		MaxInstructions: DefaultMaxInstructions,
	}
}

// Load reads and parses a YAML config file at path. A missing file is not
// an error — it returns Default() unchanged, since the file is optional.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			hlog.L.Debug("hconfig: %s does not exist, using defaults", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("hconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("hconfig: parse %s: %w", path, err)
	}
	hlog.L.Info("hconfig: loaded defaults from %s", path)
	return cfg, nil
}

// Save writes cfg to path as YAML, for `hindsight config init`-style
// bootstrapping of a team's shared defaults file.
func Save(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("hconfig: marshal: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
