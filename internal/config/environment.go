package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/connect"
)

// Variables read from .env.<environment> and the process environment.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvDialect       = "RATCHET_DIALECT"
	EnvSandboxURL    = "RATCHET_SANDBOX_URL"
	EnvMigrationsDir = "RATCHET_MIGRATIONS_DIR"
	EnvTrackingTable = "RATCHET_TRACKING_TABLE"
)

// ResolvedEnvironment represents a fully-resolved environment with concrete values.
type ResolvedEnvironment struct {
	Name          string
	Dialect       database.Dialect
	DatabaseURL   string
	SandboxURL    string
	MigrationsDir string
	TrackingTable string
	SeedTables    []string
	SeedRowLimit  int
	LockTimeout   time.Duration
	ApplyTimeout  time.Duration
	Parallelism   int

	DotenvPath        string
	FromConfig        bool
	FromDotenv        bool
	ResolvedConfigDir string
}

// DialectConfig is the per-invocation database configuration.
func (r *ResolvedEnvironment) DialectConfig() database.DialectConfig {
	return database.DialectConfig{
		Dialect:       r.Dialect,
		DSN:           r.DatabaseURL,
		TrackingTable: r.TrackingTable,
	}
}

// CloneOptions describes how sandboxes are built for this environment.
func (r *ResolvedEnvironment) CloneOptions() database.CloneOptions {
	return database.CloneOptions{
		BaseDSN:      r.SandboxURL,
		SeedTables:   r.SeedTables,
		SeedRowLimit: r.SeedRowLimit,
	}
}

// ResolveEnvironment resolves a named environment into concrete values.
// Precedence, lowest first: top-level ratchet.toml keys, the environment's
// table, .env.<name>, process environment variables.
func ResolveEnvironment(config *Config, name string) (*ResolvedEnvironment, error) {
	return Resolve(config, name, Settings{})
}

// Resolve is ResolveEnvironment with command-line flags laid over
// everything else. Relative paths in flags must already be absolute.
func Resolve(config *Config, name string, flags Settings) (*ResolvedEnvironment, error) {
	envName := strings.TrimSpace(name)
	if envName == "" {
		if config != nil && config.DefaultEnvironment != "" {
			envName = config.DefaultEnvironment
		} else {
			envName = defaultEnvironmentName
		}
	}

	var (
		settings  Settings
		envExists bool
	)
	if config != nil {
		settings = config.Settings
		if env, ok := config.Environments[envName]; ok {
			settings = merge(settings, env)
			envExists = true
		}
	}

	resolved := &ResolvedEnvironment{
		Name:              envName,
		FromConfig:        envExists,
		ResolvedConfigDir: config.ConfigDir(),
	}

	values, err := readDotenv(config, envName, resolved)
	if err != nil {
		return nil, err
	}
	overlay := func(key string, dst *string) {
		if v := values[key]; v != "" {
			*dst = v
		}
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(EnvDatabaseURL, &settings.DatabaseURL)
	overlay(EnvDialect, &settings.Dialect)
	overlay(EnvSandboxURL, &settings.SandboxURL)
	overlay(EnvMigrationsDir, &settings.MigrationsDir)
	overlay(EnvTrackingTable, &settings.TrackingTable)

	// Driver-specific names used by older .env files.
	if settings.DatabaseURL == "" {
		settings.DatabaseURL = legacyDatabaseURL(values)
	}

	settings = merge(settings, flags)

	if config != nil && len(config.Environments) > 0 && !envExists && !resolved.FromDotenv && flags.DatabaseURL == "" {
		return nil, fmt.Errorf("environment %q not defined in %s and %s not found", envName, FileName, resolved.DotenvPath)
	}
	if err := resolved.apply(settings); err != nil {
		return nil, fmt.Errorf("environment %q: %w", envName, err)
	}
	return resolved, nil
}

func (r *ResolvedEnvironment) apply(s Settings) error {
	r.DatabaseURL = strings.TrimSpace(s.DatabaseURL)
	if r.DatabaseURL == "" {
		return fmt.Errorf("no database configured; set database_url in %s or %s", FileName, EnvDatabaseURL)
	}

	if s.Dialect != "" {
		dialect, err := database.ParseDialect(s.Dialect)
		if err != nil {
			return err
		}
		r.Dialect = dialect
	} else if r.Dialect = database.DetectDialect(r.DatabaseURL); r.Dialect == "" {
		return fmt.Errorf("cannot tell the dialect of %q; set dialect or %s", connect.Redact(r.DatabaseURL), EnvDialect)
	}

	r.SandboxURL = s.SandboxURL
	r.TrackingTable = s.TrackingTable
	r.SeedTables = s.SeedTables
	r.SeedRowLimit = defaultSeedRowLimit
	if s.SeedRowLimit != nil {
		r.SeedRowLimit = *s.SeedRowLimit
	}
	r.Parallelism = s.SandboxParallelism

	dir := s.MigrationsDir
	if dir == "" {
		dir = defaultMigrationsDir
	}
	r.MigrationsDir = resolvePath(dir, r.ResolvedConfigDir)

	var err error
	if r.LockTimeout, err = parseDuration("lock_timeout", s.LockTimeout); err != nil {
		return err
	}
	if r.ApplyTimeout, err = parseDuration("apply_timeout", s.ApplyTimeout); err != nil {
		return err
	}
	return nil
}

// readDotenv loads .env.<name> from the config directory, falling back to
// the project root. A missing file is not an error.
func readDotenv(config *Config, envName string, resolved *ResolvedEnvironment) (map[string]string, error) {
	dotenvFileName := ".env." + envName

	baseDir := config.ConfigDir()
	projectDir := config.ProjectDir()
	if baseDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			baseDir = cwd
		}
	}
	resolved.DotenvPath = filepath.Join(baseDir, dotenvFileName)

	if _, err := os.Stat(resolved.DotenvPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to access %s: %w", resolved.DotenvPath, err)
		}
		if projectDir != "" && projectDir != baseDir {
			altPath := filepath.Join(projectDir, dotenvFileName)
			if info, err := os.Stat(altPath); err == nil && !info.IsDir() {
				resolved.DotenvPath = altPath
			}
		}
	}

	info, err := os.Stat(resolved.DotenvPath)
	if err != nil || info.IsDir() {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(resolved.DotenvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", resolved.DotenvPath, err)
	}
	resolved.FromDotenv = true
	return values, nil
}

func legacyDatabaseURL(values map[string]string) string {
	if v := values["POSTGRES_URL"]; v != "" {
		return v
	}
	if v := values["MYSQL_URL"]; v != "" {
		return v
	}
	if v := values["SQLITE_DB_PATH"]; v != "" {
		return v
	}
	if v := values["LIBSQL_URL"]; v != "" {
		if token := values["LIBSQL_AUTH_TOKEN"]; token != "" {
			return fmt.Sprintf("%s?authToken=%s", v, token)
		}
		return v
	}
	return ""
}

// merge lays env over base; unset fields keep the base value.
func merge(base, env Settings) Settings {
	out := base
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.Dialect, env.Dialect)
	set(&out.DatabaseURL, env.DatabaseURL)
	set(&out.SandboxURL, env.SandboxURL)
	set(&out.MigrationsDir, env.MigrationsDir)
	set(&out.TrackingTable, env.TrackingTable)
	set(&out.LockTimeout, env.LockTimeout)
	set(&out.ApplyTimeout, env.ApplyTimeout)
	if env.SeedTables != nil {
		out.SeedTables = env.SeedTables
	}
	if env.SeedRowLimit != nil {
		out.SeedRowLimit = env.SeedRowLimit
	}
	if env.SandboxParallelism > 0 {
		out.SandboxParallelism = env.SandboxParallelism
	}
	return out
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, value)
	}
	return d, nil
}

func resolvePath(path, base string) string {
	if path == "" || filepath.IsAbs(path) || base == "" {
		return path
	}
	return filepath.Join(base, path)
}
