// Package config loads ratchet.toml and resolves named environments.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/xeipuuv/gojsonschema"
)

// FileName is the name of the project configuration file.
const FileName = "ratchet.toml"

const (
	defaultEnvironmentName = "local"
	defaultMigrationsDir   = "migrations"
	defaultSeedRowLimit    = 100
)

//go:embed schema.json
var schemaJSON string

// Settings are the values an environment can set. The top level of
// ratchet.toml holds the same keys as defaults for every environment.
type Settings struct {
	Dialect            string   `toml:"dialect"`
	DatabaseURL        string   `toml:"database_url"`
	SandboxURL         string   `toml:"sandbox_url"`
	MigrationsDir      string   `toml:"migrations_dir"`
	TrackingTable      string   `toml:"tracking_table"`
	SeedTables         []string `toml:"seed_tables"`
	SeedRowLimit       *int     `toml:"seed_row_limit"`
	LockTimeout        string   `toml:"lock_timeout"`
	ApplyTimeout       string   `toml:"apply_timeout"`
	SandboxParallelism int      `toml:"sandbox_parallelism"`
}

// EnvironmentConfig describes a single named environment from ratchet.toml.
type EnvironmentConfig = Settings

type Config struct {
	Settings
	DefaultEnvironment string                       `toml:"default_environment"`
	Environments       map[string]EnvironmentConfig `toml:"environments"`
	ConfigFilePath     string                       `toml:"-"`

	configDir  string
	projectDir string
}

// ConfigDir is the directory holding ratchet.toml, or "" when none was found.
func (c *Config) ConfigDir() string {
	if c == nil {
		return ""
	}
	if c.configDir == "" && c.ConfigFilePath != "" {
		return filepath.Dir(c.ConfigFilePath)
	}
	return c.configDir
}

// ProjectDir is the nearest project root at or above the starting directory.
func (c *Config) ProjectDir() string {
	if c == nil {
		return ""
	}
	return c.projectDir
}

// LoadConfig finds ratchet.toml in the working directory or a parent, up to
// the project root. A missing file yields an empty config.
func LoadConfig() (*Config, error) {
	startDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadConfigFrom(startDir)
}

// LoadConfigFrom is LoadConfig starting at startDir.
func LoadConfigFrom(startDir string) (*Config, error) {
	dir := startDir
	projectDir := ""
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, err
			}
			config, err := Parse(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", configPath, err)
			}
			config.ConfigFilePath = configPath
			config.configDir = dir
			config.projectDir = findProjectRoot(dir)
			return config, nil
		}

		// Stop at the project boundary
		if isProjectRoot(dir) {
			projectDir = dir
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return &Config{projectDir: projectDir}, nil
}

// Parse validates data against the config schema and decodes it.
func Parse(data []byte) (*Config, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks a ratchet.toml document against the embedded JSON Schema
// and reports every violation at once.
func Validate(data []byte) error {
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid TOML: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaJSON), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
}

func findProjectRoot(dir string) string {
	for {
		if isProjectRoot(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// isProjectRoot checks if the directory is a project root based on common markers
func isProjectRoot(dir string) bool {
	for _, marker := range []string{".git", "go.mod", "package.json"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}
