// Package manifest handles lurk.toml and lurk.yaml runtime configuration.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// File names searched for, in order of preference.
const (
	TOMLFile = "lurk.toml"
	YAMLFile = "lurk.yaml"
)

// Config represents a lurk runtime configuration.
type Config struct {
	VM        VMConfig        `toml:"vm" yaml:"vm"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Scripts   ScriptsConfig   `toml:"scripts" yaml:"scripts"`
	Snapshot  SnapshotConfig  `toml:"snapshot" yaml:"snapshot"`

	// Dir is the directory containing the configuration file (set at load time).
	Dir string `toml:"-" yaml:"-"`
	// Path is the file the configuration was read from.
	Path string `toml:"-" yaml:"-"`
}

// VMConfig configures the interpreter state of a host.
type VMConfig struct {
	CallStackSize int    `toml:"call-stack-size" yaml:"call-stack-size"`
	RegistrySize  int    `toml:"registry-size" yaml:"registry-size"`
	StackCheck    string `toml:"stack-check" yaml:"stack-check"`
	OpenLibs      bool   `toml:"open-libs" yaml:"open-libs"`
	Debug         bool   `toml:"debug" yaml:"debug"`
}

// SchedulerConfig configures the clock that drives suspended scripts.
type SchedulerConfig struct {
	Tick      string  `toml:"tick" yaml:"tick"`
	TimeScale float64 `toml:"time-scale" yaml:"time-scale"`
}

// ScriptsConfig configures script locations.
type ScriptsConfig struct {
	Dirs  []string `toml:"dirs" yaml:"dirs"`
	Entry string   `toml:"entry" yaml:"entry"`
}

// SnapshotConfig configures the table snapshot store.
type SnapshotConfig struct {
	Database string `toml:"database" yaml:"database"`
}

// Default returns the configuration used for missing keys.
func Default() *Config {
	return &Config{
		VM: VMConfig{
			CallStackSize: 256,
			RegistrySize:  256 * 20,
			StackCheck:    "fatal",
			OpenLibs:      true,
		},
		Scheduler: SchedulerConfig{
			Tick:      "16ms",
			TimeScale: 1.0,
		},
		Scripts: ScriptsConfig{
			Dirs: []string{"scripts"},
		},
		Snapshot: SnapshotConfig{
			Database: filepath.Join(".lurk", "snapshots.db"),
		},
	}
}

// Load parses lurk.toml, or lurk.yaml when there is no TOML file, from
// the given directory.
func Load(dir string) (*Config, error) {
	for _, name := range []string{TOMLFile, YAMLFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no %s or %s in %s", TOMLFile, YAMLFile, dir)
}

// LoadFile parses a configuration file. The format follows the extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
		}
	}

	c.Path = path
	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a lurk.toml or lurk.yaml
// file, then loads and returns it. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range []string{TOMLFile, YAMLFile} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return Load(dir)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects values the runtime cannot use.
func (c *Config) Validate() error {
	switch c.VM.StackCheck {
	case "fatal", "log":
	default:
		return fmt.Errorf("vm.stack-check must be \"fatal\" or \"log\", got %q", c.VM.StackCheck)
	}
	if c.VM.CallStackSize < 0 || c.VM.RegistrySize < 0 {
		return errors.New("vm sizes must not be negative")
	}
	tick, err := time.ParseDuration(c.Scheduler.Tick)
	if err != nil {
		return fmt.Errorf("scheduler.tick: %w", err)
	}
	if tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", tick)
	}
	if c.Scheduler.TimeScale <= 0 {
		return fmt.Errorf("scheduler.time-scale must be positive, got %g", c.Scheduler.TimeScale)
	}
	return nil
}

// TickInterval returns the scheduler tick as a duration.
func (c *Config) TickInterval() time.Duration {
	tick, err := time.ParseDuration(c.Scheduler.Tick)
	if err != nil || tick <= 0 {
		return 16 * time.Millisecond
	}
	return tick
}

// ScriptDirPaths returns absolute paths for the configured script directories.
func (c *Config) ScriptDirPaths() []string {
	var paths []string
	for _, d := range c.Scripts.Dirs {
		if filepath.IsAbs(d) {
			paths = append(paths, d)
			continue
		}
		paths = append(paths, filepath.Join(c.Dir, d))
	}
	return paths
}

// EntryPath returns the entry script resolved against the script
// directories, or "" when no entry is configured or none exists.
func (c *Config) EntryPath() string {
	if c.Scripts.Entry == "" {
		return ""
	}
	for _, d := range c.ScriptDirPaths() {
		path := filepath.Join(d, c.Scripts.Entry)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DatabasePath returns the absolute snapshot database path.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Snapshot.Database) {
		return c.Snapshot.Database
	}
	return filepath.Join(c.Dir, c.Snapshot.Database)
}
