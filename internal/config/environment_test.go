package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockplane/ratchet/database"
)

// clearEnv blanks the variables ResolveEnvironment reads so the host
// environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvDatabaseURL, EnvDialect, EnvSandboxURL, EnvMigrationsDir, EnvTrackingTable} {
		t.Setenv(key, "")
	}
}

func TestResolveEnvironmentDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	seedLimit := 5
	config := &Config{
		Settings:  Settings{DatabaseURL: "postgres://app@db/app", SeedRowLimit: &seedLimit},
		configDir: dir,
	}

	env, err := ResolveEnvironment(config, "")
	require.NoError(t, err)
	assert.Equal(t, defaultEnvironmentName, env.Name)
	assert.Equal(t, database.DialectPostgres, env.Dialect)
	assert.Equal(t, filepath.Join(dir, defaultMigrationsDir), env.MigrationsDir)
	assert.Equal(t, 5, env.SeedRowLimit)
	assert.Zero(t, env.LockTimeout)
	assert.False(t, env.FromConfig)
	assert.False(t, env.FromDotenv)

	cfg := env.DialectConfig()
	assert.Equal(t, database.DefaultTrackingTable, cfg.Table())
	assert.Equal(t, "postgres://app@db/app", cfg.DSN)
}

func TestResolveEnvironmentMergesEnvironmentTable(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	config, err := Parse([]byte(`
default_environment = "staging"
migrations_dir = "sql"
tracking_table = "schema_log"
seed_row_limit = 50
lock_timeout = "5s"

[environments.staging]
database_url = "user:pw@tcp(db:3306)/app"
sandbox_url = "user:pw@tcp(sandbox:3306)/"
seed_tables = ["plans", "regions"]
apply_timeout = "2m"
sandbox_parallelism = 4
`))
	require.NoError(t, err)
	config.configDir = dir

	env, err := ResolveEnvironment(config, "")
	require.NoError(t, err)
	assert.Equal(t, "staging", env.Name)
	assert.True(t, env.FromConfig)
	assert.Equal(t, database.DialectMySQL, env.Dialect)
	assert.Equal(t, filepath.Join(dir, "sql"), env.MigrationsDir)
	assert.Equal(t, "schema_log", env.TrackingTable)
	assert.Equal(t, 5*time.Second, env.LockTimeout)
	assert.Equal(t, 2*time.Minute, env.ApplyTimeout)
	assert.Equal(t, 4, env.Parallelism)

	clone := env.CloneOptions()
	assert.Equal(t, "user:pw@tcp(sandbox:3306)/", clone.BaseDSN)
	assert.Equal(t, []string{"plans", "regions"}, clone.SeedTables)
	assert.Equal(t, 50, clone.SeedRowLimit)
}

func TestResolveEnvironmentFromDotenv(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()
	writeFile(t, filepath.Join(tempDir, ".env.staging"),
		"DATABASE_URL=postgres://staging\nRATCHET_SANDBOX_URL=postgres://staging-sandbox\nRATCHET_MIGRATIONS_DIR=db/sql\n")

	config := &Config{
		DefaultEnvironment: "staging",
		configDir:          tempDir,
		Environments: map[string]EnvironmentConfig{
			"staging": {DatabaseURL: "postgres://from-toml"},
		},
	}

	env, err := ResolveEnvironment(config, "staging")
	require.NoError(t, err)
	assert.True(t, env.FromDotenv)
	assert.Equal(t, "postgres://staging", env.DatabaseURL)
	assert.Equal(t, "postgres://staging-sandbox", env.SandboxURL)
	assert.Equal(t, filepath.Join(tempDir, "db/sql"), env.MigrationsDir)

	t.Setenv(EnvDatabaseURL, "postgres://from-process")
	t.Setenv(EnvTrackingTable, "custom_log")
	env, err = ResolveEnvironment(config, "staging")
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-process", env.DatabaseURL)
	assert.Equal(t, "custom_log", env.TrackingTable)
}

func TestResolveEnvironmentLegacyDotenvNames(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()
	writeFile(t, filepath.Join(tempDir, ".env.edge"),
		"LIBSQL_URL=libsql://app.turso.io\nLIBSQL_AUTH_TOKEN=secret\n")

	env, err := ResolveEnvironment(&Config{configDir: tempDir}, "edge")
	require.NoError(t, err)
	assert.Equal(t, "libsql://app.turso.io?authToken=secret", env.DatabaseURL)
	assert.Equal(t, database.DialectSQLite, env.Dialect)
}

func TestResolveEnvironmentErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		config  *Config
		env     string
		wantErr string
	}{
		{
			name: "undefined environment",
			config: &Config{
				configDir:    dir,
				Environments: map[string]EnvironmentConfig{"local": {DatabaseURL: "local.db"}},
			},
			env:     "production",
			wantErr: `environment "production" not defined`,
		},
		{
			name:    "no database",
			config:  &Config{configDir: dir},
			wantErr: "no database configured",
		},
		{
			name:    "unknown dialect",
			config:  &Config{configDir: dir, Settings: Settings{DatabaseURL: "db.example:5432"}},
			wantErr: "cannot tell the dialect",
		},
		{
			name:    "bad duration",
			config:  &Config{configDir: dir, Settings: Settings{DatabaseURL: "app.db", ApplyTimeout: "forever"}},
			wantErr: "invalid apply_timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveEnvironment(tt.config, tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveFlagsWin(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDatabaseURL, "postgres://from-process")
	dir := t.TempDir()
	config := &Config{
		configDir:    dir,
		Environments: map[string]EnvironmentConfig{"local": {DatabaseURL: "local.db"}},
	}

	env, err := Resolve(config, "preview", Settings{DatabaseURL: "preview.db", MigrationsDir: "/srv/migrations"})
	require.NoError(t, err)
	assert.Equal(t, "preview.db", env.DatabaseURL)
	assert.Equal(t, database.DialectSQLite, env.Dialect)
	assert.Equal(t, "/srv/migrations", env.MigrationsDir)
}
