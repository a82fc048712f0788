package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect identifies a database engine.
type Dialect string

const (
	DialectPostgres Dialect = "postgresql"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Dialects lists the supported dialects in display order.
var Dialects = []Dialect{DialectPostgres, DialectMySQL, DialectSQLite}

// ParseDialect maps user input (config values, file headers) to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3", "libsql":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unknown dialect %q (expected postgresql, mysql or sqlite)", s)
}

// DetectDialect guesses the dialect from a connection string. It returns ""
// when the string gives no hint.
func DetectDialect(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("), strings.Contains(lower, "@unix("):
		return DialectMySQL
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "libsql://"), lower == ":memory:",
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DialectSQLite
	}
	return ""
}

// DialectConfig is the explicit per-invocation database configuration.
// It is threaded through every engine call instead of living in globals.
type DialectConfig struct {
	Dialect       Dialect
	DSN           string
	TrackingTable string
}

// DefaultTrackingTable is used when no tracking table is configured.
const DefaultTrackingTable = "ratchet_migrations"

// Table returns the configured tracking table or the default.
func (c DialectConfig) Table() string {
	if c.TrackingTable == "" {
		return DefaultTrackingTable
	}
	return c.TrackingTable
}

// Adapter is the capability set every dialect implements. Implementations
// are independent; shared behaviour lives in package-level helpers.
type Adapter interface {
	// Dialect returns the engine this adapter talks to.
	Dialect() Dialect

	// Transactional reports whether Execute runs the whole script
	// atomically. MySQL commits DDL implicitly, so it returns false.
	Transactional() bool

	// Execute runs a migration script. On failure it returns an *ExecError
	// describing how far the script got.
	Execute(ctx context.Context, script string) (int64, error)

	// CheckSupported rejects statements the engine cannot run, before
	// anything is executed.
	CheckSupported(ctx context.Context, script string) error

	// Query, QueryRow and Exec take queries written with ? placeholders.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// InsertReturningID runs an INSERT and returns the generated id.
	InsertReturningID(ctx context.Context, query string, args ...any) (int64, error)

	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation(err error) bool

	// TrackingTableDDL returns the idempotent statements creating the
	// tracking table and its indexes.
	TrackingTableDDL(table string) []string

	Tables(ctx context.Context) ([]string, error)
	TableExists(ctx context.Context, name string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)

	// AdvisoryLock takes an exclusive lock named key, waiting at most wait.
	// A zero wait tries exactly once. The returned func releases the lock.
	AdvisoryLock(ctx context.Context, key string, wait time.Duration) (func() error, error)

	// CloneForSandbox creates a new, uniquely named database holding the
	// structure of this one plus seed rows.
	CloneForSandbox(ctx context.Context, opts CloneOptions) (*Sandbox, error)

	Close() error
}

// LockTable holds lock rows for engines without native advisory locks. It is
// never copied into sandboxes.
const LockTable = "ratchet_locks"

// LockBreaker is implemented by adapters whose locks can outlive a crashed
// process.
type LockBreaker interface {
	// BreakLock removes the lock named key regardless of its holder and
	// reports whether one was held.
	BreakLock(ctx context.Context, key string) (bool, error)
}

// CloneOptions controls sandbox creation.
type CloneOptions struct {
	// BaseDSN points at the server the sandbox is created on. Empty means
	// the adapter's own server.
	BaseDSN string

	// ExcludeTables are never copied (the tracking table and its lock table).
	ExcludeTables []string

	// SeedTables have up to SeedRowLimit rows copied into the sandbox.
	SeedTables   []string
	SeedRowLimit int

	// Dir is where file-based sandboxes are created. Empty means os.TempDir.
	Dir string
}

// Excluded reports whether table is in ExcludeTables.
func (o CloneOptions) Excluded(table string) bool {
	for _, t := range o.ExcludeTables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// Sandbox is a disposable database created by CloneForSandbox.
type Sandbox struct {
	Dialect   Dialect
	Name      string
	DSN       string
	CreatedAt time.Time

	teardown func(context.Context) error
}

// NewSandbox is used by adapters to build a Sandbox with its teardown.
func NewSandbox(dialect Dialect, name, dsn string, teardown func(context.Context) error) *Sandbox {
	return &Sandbox{
		Dialect:   dialect,
		Name:      name,
		DSN:       dsn,
		CreatedAt: time.Now().UTC(),
		teardown:  teardown,
	}
}

// Teardown drops the sandbox database. It is safe to call more than once.
func (s *Sandbox) Teardown(ctx context.Context) error {
	if s == nil || s.teardown == nil {
		return nil
	}
	fn := s.teardown
	s.teardown = nil
	return fn(ctx)
}

// ExecError describes a failed script execution.
type ExecError struct {
	// Statement is the 1-based index of the failing statement.
	Statement int
	// Applied counts statements that were committed before the failure.
	// It is always zero for transactional adapters.
	Applied int
	SQL     string
	Err     error
}

func (e *ExecError) Error() string {
	sql := strings.TrimSpace(e.SQL)
	if runes := []rune(sql); len(runes) > 120 {
		sql = string(runes[:117]) + "..."
	}
	return fmt.Sprintf("statement %d failed: %v\n  %s", e.Statement, e.Err, sql)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Partial reports whether the database was left with part of the script.
func (e *ExecError) Partial() bool { return e.Applied > 0 }
