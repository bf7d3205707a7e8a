// Package runnerconfig provides unified configuration loading for the
// parallel test runner.
//
// It supports two configuration formats:
//   - partest.sky: dynamic Starlark configuration (dogfooding the same
//     engine test files are written in)
//   - partest.toml: simple, declarative TOML configuration
//
// Configuration files are auto-discovered by walking up the directory
// tree from the current directory, or specified explicitly via the
// PARTEST_CONFIG environment variable or a -config flag.
package runnerconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config file names in priority order.
const (
	ConfigSky  = "partest.sky"
	ConfigTOML = "partest.toml"
)

// EnvConfig is the environment variable for specifying config file path.
const EnvConfig = "PARTEST_CONFIG"

// ErrConflict is returned when multiple config files exist in the same directory.
var ErrConflict = errors.New("multiple config files found in the same directory; use only one")

// Config is the unified partest configuration: defaults plus a list of
// named projects, each of which becomes a model.Project.
type Config struct {
	Timeout     Duration `json:"timeout" toml:"timeout"`
	Retries     int      `json:"retries" toml:"retries"`
	RepeatEach  int      `json:"repeat_each" toml:"repeat_each"`
	Workers     string   `json:"workers" toml:"workers"` // "auto", "1", or a number
	Prelude     []string `json:"prelude" toml:"prelude"`
	TestPrefix  string   `json:"test_prefix" toml:"test_prefix"`
	OutputDir   string   `json:"output_dir" toml:"output_dir"`
	SnapshotDir string   `json:"snapshot_dir" toml:"snapshot_dir"`
	FailFast    bool     `json:"fail_fast" toml:"fail_fast"`
	MaxFailures int      `json:"max_failures" toml:"max_failures"`
	Verbose     bool     `json:"verbose" toml:"verbose"`
	Environments []string `json:"environments" toml:"environments"`

	Projects []ProjectConfig `json:"projects" toml:"projects"`
}

// ProjectConfig is one named project entry; zero-value fields fall
// back to the top-level Config defaults when resolved into a
// model.Project.
type ProjectConfig struct {
	Name       string            `json:"name" toml:"name"`
	Dir        string            `json:"dir" toml:"dir"`
	Match      []string          `json:"match" toml:"match"`
	Ignore     []string          `json:"ignore" toml:"ignore"`
	Retries    *int              `json:"retries" toml:"retries"`
	RepeatEach *int              `json:"repeat_each" toml:"repeat_each"`
	Timeout    *Duration         `json:"timeout" toml:"timeout"`
	Use        map[string]string `json:"use" toml:"use"` // worker-variation key/value pairs
	Environments []string        `json:"environments" toml:"environments"`
}

// Duration wraps time.Duration for TOML/JSON string parsing.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return nil, nil
	}
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:     Duration{30 * time.Second},
		TestPrefix:  "test_",
		OutputDir:   "test-results",
		SnapshotDir: "__snapshots__",
		MaxFailures: 0,
	}
}

// LoadConfig loads configuration from path, dispatching on extension.
func LoadConfig(path string) (*Config, error) {
	switch filepath.Ext(path) {
	case ".toml":
		return LoadTOMLConfig(path)
	case ".sky", ".star":
		return LoadStarlarkConfig(path, DefaultStarlarkTimeout)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s (expected .sky, .star, or .toml)", filepath.Ext(path))
	}
}

// DiscoverConfig searches for a configuration file.
//
// Resolution order:
//  1. PARTEST_CONFIG env var, if set
//  2. Walk up from startDir looking for partest.sky then partest.toml,
//     stopping at the git root
//
// If no config is found, returns (DefaultConfig(), "", nil).
func DiscoverConfig(startDir string) (*Config, string, error) {
	if envPath := os.Getenv(EnvConfig); envPath != "" {
		cfg, err := LoadConfig(envPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", EnvConfig, err)
		}
		return cfg, envPath, nil
	}

	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("getting working directory: %w", err)
		}
	}

	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}

	gitRoot := findGitRoot(absDir)

	dir := absDir
	for {
		configPath, err := findConfigInDir(dir)
		if err != nil {
			return nil, "", err
		}
		if configPath != "" {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return nil, "", err
			}
			return cfg, configPath, nil
		}

		if gitRoot != "" && dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return DefaultConfig(), "", nil
}

func findConfigInDir(dir string) (string, error) {
	skyPath := filepath.Join(dir, ConfigSky)
	tomlPath := filepath.Join(dir, ConfigTOML)

	skyExists := fileExists(skyPath)
	tomlExists := fileExists(tomlPath)

	if skyExists && tomlExists {
		return "", fmt.Errorf("%w: found %s in %s", ErrConflict, strings.Join([]string{ConfigSky, ConfigTOML}, ", "), dir)
	}
	if skyExists {
		return skyPath, nil
	}
	if tomlExists {
		return tomlPath, nil
	}
	return "", nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findGitRoot(startDir string) string {
	dir := startDir
	for {
		if fileExists(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Merge overlays non-zero fields of other onto c, so the values in
// other take precedence over those already in c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Timeout.Duration != 0 {
		c.Timeout = other.Timeout
	}
	if other.Retries != 0 {
		c.Retries = other.Retries
	}
	if other.RepeatEach != 0 {
		c.RepeatEach = other.RepeatEach
	}
	if other.Workers != "" {
		c.Workers = other.Workers
	}
	if len(other.Prelude) > 0 {
		c.Prelude = append(c.Prelude, other.Prelude...)
	}
	if other.TestPrefix != "" {
		c.TestPrefix = other.TestPrefix
	}
	if other.OutputDir != "" {
		c.OutputDir = other.OutputDir
	}
	if other.SnapshotDir != "" {
		c.SnapshotDir = other.SnapshotDir
	}
	if other.FailFast {
		c.FailFast = true
	}
	if other.MaxFailures != 0 {
		c.MaxFailures = other.MaxFailures
	}
	if other.Verbose {
		c.Verbose = true
	}
	if len(other.Projects) > 0 {
		c.Projects = append(c.Projects, other.Projects...)
	}
}
