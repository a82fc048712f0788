package source

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/errdefs"
)

func writeFiles(t *testing.T, fsys afero.Fs, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestListParsesAndSorts(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, "migrations", map[string]string{
		"002_add_email.sql": "-- Dependencies: 001\n-- Database: postgresql, mysql\nALTER TABLE users ADD COLUMN email TEXT;\n",
		"001_create_users.sql":          "CREATE TABLE users (id INT);\n",
		"001_create_users_rollback.sql": "DROP TABLE users;\n",
		"README.md":                     "not a migration",
		"notes.sql":                     "-- scratch",
	})

	got, err := NewReader(fsys, "migrations").List()
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "create_users", first.Name)
	assert.Equal(t, "001_create_users", first.Label())
	assert.True(t, first.HasRollback())
	assert.Equal(t, filepath.Join("migrations", "001_create_users_rollback.sql"), first.RollbackPath)
	assert.Equal(t, "DROP TABLE users;\n", first.RollbackContent)
	assert.Empty(t, first.DependsOn)
	assert.True(t, first.Targets(database.DialectSQLite))

	second := got[1]
	assert.Equal(t, []int{1}, second.DependsOn)
	assert.Equal(t, []database.Dialect{database.DialectPostgres, database.DialectMySQL}, second.DialectHints)
	assert.False(t, second.HasRollback())
	assert.False(t, second.Targets(database.DialectSQLite))
}

func TestListRejectsMalformedNames(t *testing.T) {
	tests := []struct {
		file   string
		reason string
	}{
		{"1_init.sql", "exactly 3 digits"},
		{"0001_init.sql", "exactly 3 digits"},
		{"003-init.sql", "underscore"},
		{"004_AddUsers.sql", "lowercase letters"},
		{"005_add users.sql", "lowercase letters"},
		{"006_init.SQL", "lowercase .sql"},
		{"007_.sql", "description is empty"},
		{"008init.sql", "followed by an underscore"},
		{"009.sql", "underscore and a description"},
		{"010add users.sql", "followed by an underscore"},
		{"000_zero.sql", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			writeFiles(t, fsys, "m", map[string]string{
				"001_ok.sql": "SELECT 1;",
				tt.file:      "SELECT 2;",
			})

			_, err := NewReader(fsys, "m").List()
			require.Error(t, err)

			var malformed *errdefs.MalformedNameError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, filepath.Join("m", tt.file), malformed.Path)
			assert.Contains(t, malformed.Reason, tt.reason)
		})
	}
}

func TestScanKeepsWellFormedDescriptors(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, "m", map[string]string{
		"001_ok.sql":              "SELECT 1;",
		"02_bad.sql":              "SELECT 2;",
		"009_orphan_rollback.sql": "SELECT 3;",
	})

	catalog, err := NewReader(fsys, "m").Scan()
	require.NoError(t, err)
	require.Len(t, catalog.Descriptors, 1)
	assert.Len(t, catalog.Malformed, 2)
	assert.Error(t, catalog.Err())
}

func TestDuplicateNumbersAreBothListed(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, "m", map[string]string{
		"004_b_second.sql": "SELECT 2;",
		"004_a_first.sql":  "SELECT 1;",
	})

	got, err := NewReader(fsys, "m").List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a_first", got[0].Name)
	assert.Equal(t, "b_second", got[1].Name)
}

func TestMissingDirectory(t *testing.T) {
	_, err := NewReader(afero.NewMemMapFs(), "nope").List()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		deps     []int
		dialects []database.Dialect
	}{
		{
			name:    "file names and duplicates",
			content: "-- Dependencies: 003_add_x.sql, 001, 001\nSELECT 1;",
			deps:    []int{1, 3},
		},
		{
			name:    "headers after code are ignored",
			content: "SELECT 1;\n-- Dependencies: 001",
		},
		{
			name:     "unknown dialects are skipped",
			content:  "-- Database: sqlite, oracle\n\n-- depends on: 2\n",
			deps:     []int{2},
			dialects: []database.Dialect{database.DialectSQLite},
		},
		{
			name:    "garbage values",
			content: "-- Dependencies: none\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Descriptor{Number: 10, Content: tt.content}
			parseHeaders(d)
			assert.Equal(t, tt.deps, d.DependsOn)
			assert.Equal(t, tt.dialects, d.DialectHints)
		})
	}
}

func TestLookup(t *testing.T) {
	catalog := &Catalog{Descriptors: []Descriptor{
		{Number: 1, Name: "create_users"},
		{Number: 7, Name: "add_email"},
	}}

	for _, ref := range []string{"7", "007", "add_email", "007_add_email", "007_add_email.sql", "migrations/007_add_email.sql"} {
		d, err := catalog.Lookup(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, 7, d.Number)
	}

	_, err := catalog.Lookup("042")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = catalog.Lookup("nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
