package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	tests := map[string]Dialect{
		"postgresql": DialectPostgres,
		"Postgres":   DialectPostgres,
		"pg":         DialectPostgres,
		"mysql":      DialectMySQL,
		"mariadb":    DialectMySQL,
		" sqlite3 ":  DialectSQLite,
		"libsql":     DialectSQLite,
	}
	for input, want := range tests {
		got, err := ParseDialect(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseDialect("oracle")
	assert.ErrorContains(t, err, `unknown dialect "oracle"`)
}

func TestDetectDialect(t *testing.T) {
	tests := []struct {
		dsn  string
		want Dialect
	}{
		{"postgres://user:pw@localhost:5432/app", DialectPostgres},
		{"postgresql://localhost/app", DialectPostgres},
		{"mysql://root@localhost/app", DialectMySQL},
		{"root:pw@tcp(127.0.0.1:3306)/app", DialectMySQL},
		{"file:app.db", DialectSQLite},
		{"./data/app.sqlite3", DialectSQLite},
		{"libsql://app.turso.io", DialectSQLite},
		{":memory:", DialectSQLite},
		{"host=localhost dbname=app", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectDialect(tt.dsn), tt.dsn)
	}
}

func TestDialectConfigTable(t *testing.T) {
	assert.Equal(t, DefaultTrackingTable, DialectConfig{}.Table())
	assert.Equal(t, "schema_log", DialectConfig{TrackingTable: "schema_log"}.Table())
}

func TestCloneOptionsExcluded(t *testing.T) {
	opts := CloneOptions{ExcludeTables: []string{"ratchet_migrations", LockTable}}
	assert.True(t, opts.Excluded("RATCHET_MIGRATIONS"))
	assert.True(t, opts.Excluded(LockTable))
	assert.False(t, opts.Excluded("users"))
}

func TestSandboxTeardownRunsOnce(t *testing.T) {
	calls := 0
	sb := NewSandbox(DialectSQLite, "sb", "file:sb.db", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, sb.Teardown(context.Background()))
	require.NoError(t, sb.Teardown(context.Background()))
	assert.Equal(t, 1, calls)

	var missing *Sandbox
	assert.NoError(t, missing.Teardown(context.Background()))
}

func TestExecError(t *testing.T) {
	cause := errors.New("syntax error")
	err := &ExecError{Statement: 2, Applied: 1, SQL: "ALTER TABLE users ADD COLUMN", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Partial())
	assert.Contains(t, err.Error(), "statement 2 failed: syntax error")

	long := &ExecError{Statement: 1, SQL: string(make([]byte, 300)), Err: cause}
	assert.False(t, long.Partial())
	assert.Less(t, len(long.Error()), 200)

	accented := &ExecError{Statement: 1, SQL: "INSERT INTO t VALUES (N'" + strings.Repeat("é", 200) + "')", Err: cause}
	msg := accented.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.True(t, strings.HasSuffix(msg, "..."))
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2",
		RebindDollar("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT '?' FROM \"what?\" WHERE c = $1",
		RebindDollar("SELECT '?' FROM \"what?\" WHERE c = ?"))
}

func TestPollLock(t *testing.T) {
	old := LockPollInterval
	LockPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { LockPollInterval = old })

	t.Run("zero wait tries once", func(t *testing.T) {
		calls := 0
		ok, err := PollLock(context.Background(), 0, func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until taken", func(t *testing.T) {
		calls := 0
		ok, err := PollLock(context.Background(), time.Second, func(context.Context) (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after wait", func(t *testing.T) {
		ok, err := PollLock(context.Background(), 20*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := PollLock(ctx, time.Second, func(context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("returns try errors", func(t *testing.T) {
		boom := errors.New("connection reset")
		_, err := PollLock(context.Background(), time.Second, func(context.Context) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestOrderByForeignKeys(t *testing.T) {
	tables := []Table{
		{Name: "comments", ForeignKeys: []ForeignKey{{ReferencedTable: "posts"}, {ReferencedTable: "users"}}},
		{Name: "posts", ForeignKeys: []ForeignKey{{ReferencedTable: "users"}}},
		{Name: "users"},
		{Name: "nodes", ForeignKeys: []ForeignKey{{ReferencedTable: "nodes"}}},
	}
	assert.Equal(t, []string{"users", "posts", "comments", "nodes"}, TableNames(OrderByForeignKeys(tables)))
}

func TestOrderByForeignKeysKeepsCycles(t *testing.T) {
	tables := []Table{
		{Name: "a", ForeignKeys: []ForeignKey{{ReferencedTable: "b"}}},
		{Name: "b", ForeignKeys: []ForeignKey{{ReferencedTable: "a"}}},
		{Name: "c"},
	}
	ordered := TableNames(OrderByForeignKeys(tables))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ordered)
	assert.Equal(t, "c", ordered[0])
}
