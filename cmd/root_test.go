package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockplane/ratchet/internal/config"
	"github.com/lockplane/ratchet/internal/engine"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/state"
)

func TestRootCommand(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "ratchet", root.Use)
	assert.NotEmpty(t, root.Version)
	assert.True(t, root.SilenceUsage)
}

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"init":         false,
		"status":       false,
		"pending":      false,
		"history":      false,
		"check":        false,
		"apply":        false,
		"mark-applied": false,
		"test":         false,
		"rollback":     false,
		"recover":      false,
		"sandbox":      false,
		"version":      false,
	}
	for _, c := range NewRootCmd().Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, registered := range expected {
		assert.True(t, registered, "expected command %q to be registered", name)
	}
}

type project struct {
	t          *testing.T
	dir        string
	migrations string
	dbPath     string
}

func newProject(t *testing.T, files map[string]string) *project {
	t.Helper()
	for _, key := range []string{config.EnvDatabaseURL, config.EnvDialect, config.EnvSandboxURL,
		config.EnvMigrationsDir, config.EnvTrackingTable} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	p := &project{t: t, dir: dir, migrations: filepath.Join(dir, "migrations"), dbPath: filepath.Join(dir, "app.db")}
	require.NoError(t, os.MkdirAll(p.migrations, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(p.migrations, name), []byte(content), 0o644))
	}
	return p
}

// run executes one command line against the project's SQLite database.
func (p *project) run(args ...string) (string, error) {
	p.t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(bytes.NewReader(nil))
	root.SetArgs(append([]string{"--database-url", p.dbPath, "--migrations-dir", p.migrations}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (p *project) runJSON(v any, args ...string) {
	p.t.Helper()
	out, err := p.run(append([]string{"--output", "json"}, args...)...)
	require.NoError(p.t, err)
	require.NoError(p.t, json.Unmarshal([]byte(out), v), out)
}

var projectFiles = map[string]string{
	"001_create_users.sql":          "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL);\n",
	"001_create_users_rollback.sql": "DROP TABLE users;\n",
	"002_add_nickname.sql":          "-- Dependencies: 001\nALTER TABLE users ADD COLUMN nickname TEXT;\n",
}

func TestApplyFlow(t *testing.T) {
	p := newProject(t, projectFiles)

	_, err := p.run("init")
	require.NoError(t, err)
	_, err = p.run("init")
	require.NoError(t, err, "init is idempotent")

	var pending []pendingEntry
	p.runJSON(&pending, "pending")
	require.Len(t, pending, 2)
	assert.Equal(t, []int{1}, pending[1].DependsOn)

	out, err := p.run("apply", "001")
	require.NoError(t, err)
	assert.Contains(t, out, "passed in sandbox")
	assert.Contains(t, out, "Applied 001_create_users")

	out, err = p.run("apply", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "already applied")

	var res engine.ApplyResult
	p.runJSON(&res, "apply", "002_add_nickname.sql", "--skip-sandbox", "--notes", "hotfix")
	assert.Equal(t, 2, res.Number)
	assert.Contains(t, res.Notes, engine.NoteSandboxSkip)
	assert.Contains(t, res.Notes, "hotfix")

	var report engine.StatusReport
	p.runJSON(&report, "status")
	assert.True(t, report.Initialized)
	assert.Equal(t, 2, report.Count(engine.StateApplied))
	assert.Equal(t, 0, report.PendingCount())

	var history []state.Record
	p.runJSON(&history, "history", "1")
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Number)

	out, err = p.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "create_users")
	assert.Contains(t, out, "2 applied, 0 pending")
}

func TestApplyBeforeInitFails(t *testing.T) {
	p := newProject(t, projectFiles)
	_, err := p.run("apply", "001")
	assert.ErrorIs(t, err, engine.ErrNotInitialized)
}

func TestCheckFailsOnBlockingConflicts(t *testing.T) {
	p := newProject(t, map[string]string{
		"001_a.sql": "CREATE TABLE a (id INT);",
		"001_b.sql": "CREATE TABLE b (id INT);",
	})
	_, err := p.run("init")
	require.NoError(t, err)

	out, err := p.run("check")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	assert.Contains(t, out, "duplicate_number")

	// status reports the same conflict without failing
	_, err = p.run("status")
	assert.NoError(t, err)
}

func TestMarkAppliedNeedsConfirmation(t *testing.T) {
	p := newProject(t, projectFiles)
	_, err := p.run("init")
	require.NoError(t, err)

	_, err = p.run("mark-applied", "create_users")
	assert.ErrorIs(t, err, errdefs.ErrNotConfirmed)

	out, err := p.run("mark-applied", "create_users", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked 001_create_users as applied")

	var history []state.Record
	p.runJSON(&history, "history")
	require.Len(t, history, 1)
	assert.Equal(t, engine.NoteMarkedApplied, history[0].Notes)
}

func TestRollbackAndTest(t *testing.T) {
	p := newProject(t, projectFiles)
	_, err := p.run("init")
	require.NoError(t, err)

	// 002 depends on the pending 001, so only 001 can be tested.
	var results []map[string]any
	p.runJSON(&results, "test")
	require.Len(t, results, 1)
	assert.EqualValues(t, 1, results[0]["migration"])

	out, err := p.run("test", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "001_create_users passed")

	_, err = p.run("apply", "1")
	require.NoError(t, err)
	_, err = p.run("rollback", "1", "--yes")
	require.NoError(t, err)

	var report engine.StatusReport
	p.runJSON(&report, "status")
	assert.Equal(t, engine.StateRolledBack, report.Migrations[0].State)
}

func TestArgumentErrors(t *testing.T) {
	p := newProject(t, projectFiles)

	_, err := p.run("history", "zero")
	assert.ErrorContains(t, err, "invalid history length")

	_, err = p.run("apply", "latest")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = p.run("--output", "yaml", "status")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestSandboxPruneWithNothingToDo(t *testing.T) {
	p := newProject(t, nil)
	out, err := p.run("sandbox", "prune", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "No stale sandboxes")
}

func TestExecuteExitCodes(t *testing.T) {
	p := newProject(t, map[string]string{
		"001_a.sql": "CREATE TABLE a (id INT);",
		"001_b.sql": "CREATE TABLE b (id INT);",
	})
	base := []string{"--database-url", p.dbPath, "--migrations-dir", p.migrations}

	assert.Equal(t, 0, Execute(context.Background(), append(base, "init")))
	assert.Equal(t, 0, Execute(context.Background(), append(base, "status", "-o", "json")))
	assert.Equal(t, 1, Execute(context.Background(), append(base, "check")))
	assert.Equal(t, 1, Execute(context.Background(), append(base, "apply", "1")))
}

func TestParseNumber(t *testing.T) {
	tests := map[string]int{"7": 7, "007": 7, "007_add_users": 7, "migrations/012_x.sql": 12}
	for arg, want := range tests {
		got, err := parseNumber(arg)
		require.NoError(t, err, arg)
		assert.Equal(t, want, got, arg)
	}
	_, err := parseNumber("abc")
	assert.Error(t, err)
}

func TestVersionJSON(t *testing.T) {
	p := newProject(t, nil)
	var info buildInfo
	p.runJSON(&info, "version")
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GoVersion)

	out, err := p.run("version")
	require.NoError(t, err)
	assert.Contains(t, out, "ratchet "+info.Version)
}
