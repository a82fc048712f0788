// Package sqlite implements database.Adapter for SQLite files through
// modernc.org/sqlite and for remote libsql servers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/parser"
)

// SandboxPrefix starts the file name of every sandbox database.
const SandboxPrefix = "ratchet_sbx_"

var (
	dropColumnMinVersion   = version.Must(version.NewVersion("3.35.0"))
	renameColumnMinVersion = version.Must(version.NewVersion("3.25.0"))
)

// Adapter talks to one SQLite database.
type Adapter struct {
	db           *sql.DB
	dsn          string
	introspector *Introspector
	holder       string

	versionOnce sync.Once
	version     *version.Version
	versionErr  error
}

var (
	_ database.Adapter     = (*Adapter)(nil)
	_ database.LockBreaker = (*Adapter)(nil)
)

// Open opens dsn, creating the parent directory of a file database.
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	if err := ensureDir(dsn); err != nil {
		return nil, err
	}
	driver, conn := driverDSN(dsn)
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	if IsMemory(dsn) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, dsn), nil
}

// New wraps an open connection pool.
func New(db *sql.DB, dsn string) *Adapter {
	host, _ := os.Hostname()
	return &Adapter{
		db:           db,
		dsn:          dsn,
		introspector: NewIntrospector(),
		holder:       fmt.Sprintf("%s pid %d", host, os.Getpid()),
	}
}

func (a *Adapter) Dialect() database.Dialect { return database.DialectSQLite }

// Transactional is true: SQLite DDL is transactional.
func (a *Adapter) Transactional() bool { return true }

// DB exposes the underlying pool.
func (a *Adapter) DB() *sql.DB { return a.db }

// Version returns the SQLite library version of the connection.
func (a *Adapter) Version(ctx context.Context) (*version.Version, error) {
	a.versionOnce.Do(func() {
		var raw string
		if err := a.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&raw); err != nil {
			a.versionErr = fmt.Errorf("failed to read sqlite version: %w", err)
			return
		}
		a.version, a.versionErr = version.NewVersion(raw)
	})
	return a.version, a.versionErr
}

func (a *Adapter) Execute(ctx context.Context, script string) (int64, error) {
	stmts, err := parser.Split(database.DialectSQLite, script)
	if err != nil {
		return 0, err
	}
	return database.RunInTx(ctx, a.db, stmts)
}

var (
	alterTableRe   = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(?:"[^"]+"|\x60[^\x60]+\x60|\[[^\]]+\]|[\w.]+)\s+(.*)$`)
	alterColumnRe  = regexp.MustCompile(`(?i)^ALTER\s+(?:COLUMN\s+)?\S+\s+(?:TYPE|SET|DROP)\b`)
	constraintRe   = regexp.MustCompile(`(?i)^(ADD|DROP)\s+CONSTRAINT\b`)
	dropColumnRe   = regexp.MustCompile(`(?i)^DROP\s+(?:COLUMN\s+)?`)
	renameColumnRe = regexp.MustCompile(`(?i)^RENAME\s+(?:COLUMN\s+)?\S+\s+TO\b`)
	renameTableRe  = regexp.MustCompile(`(?i)^RENAME\s+TO\b`)
)

// CheckSupported rejects ALTER TABLE forms SQLite cannot execute, taking
// the library version into account.
func (a *Adapter) CheckSupported(ctx context.Context, script string) error {
	stmts, err := parser.Split(database.DialectSQLite, script)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		clean := strings.TrimSpace(parser.StripComments(stmt))
		m := alterTableRe.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		action := strings.TrimSpace(m[1])

		unsupported := func(op, reason string) error {
			return &errdefs.UnsupportedOperationError{
				Dialect:   string(database.DialectSQLite),
				Operation: op,
				Statement: stmt,
				Reason:    reason,
			}
		}

		switch {
		case constraintRe.MatchString(action):
			return unsupported("ALTER TABLE "+strings.ToUpper(constraintRe.FindStringSubmatch(action)[1])+" CONSTRAINT",
				"constraints can only be declared when the table is created")
		case alterColumnRe.MatchString(action):
			return unsupported("ALTER COLUMN", "column definitions cannot be changed in place")
		case renameTableRe.MatchString(action):
			continue
		case renameColumnRe.MatchString(action):
			if err := a.requireVersion(ctx, renameColumnMinVersion); err != nil {
				return unsupported("RENAME COLUMN", err.Error())
			}
		case dropColumnRe.MatchString(action):
			if err := a.requireVersion(ctx, dropColumnMinVersion); err != nil {
				return unsupported("DROP COLUMN", err.Error())
			}
		}
	}
	return nil
}

func (a *Adapter) requireVersion(ctx context.Context, min *version.Version) error {
	v, err := a.Version(ctx)
	if err != nil {
		return err
	}
	if v.LessThan(min) {
		return fmt.Errorf("requires SQLite %s or newer, connected library is %s", min, v)
	}
	return nil
}

func (a *Adapter) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

func (a *Adapter) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a *Adapter) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// IsUniqueViolation matches SQLite's constraint message, which both
// modernc and libsql pass through unchanged.
func (a *Adapter) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}

func (a *Adapter) TrackingTableDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	migration_number INTEGER NOT NULL,
	migration_name TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	applied_by TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('in_progress', 'applied', 'failed', 'rolled_back')),
	error_message TEXT,
	rollback_at TIMESTAMP,
	notes TEXT NOT NULL DEFAULT ''
)`, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_active_number ON %[1]s (migration_number)
	WHERE status IN ('applied', 'in_progress')`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_applied_at ON %[1]s (applied_at)`, table),
	}
}

func (a *Adapter) Tables(ctx context.Context) ([]string, error) {
	return a.introspector.GetTables(ctx, a.db)
}

func (a *Adapter) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, name).Scan(&n)
	return n > 0, err
}

func (a *Adapter) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	columns, err := a.introspector.GetColumns(ctx, a.db, table)
	if err != nil {
		return false, err
	}
	for _, c := range columns {
		if strings.EqualFold(c.Name, column) {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) ensureLockTable(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL
)`, database.LockTable))
	return err
}

// AdvisoryLock emulates a named lock with a row in the lock table. The row
// outlives a crashed process; BreakLock removes it.
func (a *Adapter) AdvisoryLock(ctx context.Context, key string, wait time.Duration) (func() error, error) {
	if err := a.ensureLockTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO %s (name, holder, acquired_at) VALUES (?, ?, ?)", database.LockTable)
	ok, err := database.PollLock(ctx, wait, func(ctx context.Context) (bool, error) {
		_, err := a.db.ExecContext(ctx, insert, key, a.holder, time.Now().UTC())
		if a.IsUniqueViolation(err) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !ok {
		var holder string
		_ = a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT holder FROM %s WHERE name = ?", database.LockTable), key).Scan(&holder)
		return nil, &errdefs.LockContentionError{Key: key, Holder: holder, Waited: wait}
	}

	return func() error {
		_, err := a.db.ExecContext(context.Background(),
			fmt.Sprintf("DELETE FROM %s WHERE name = ? AND holder = ?", database.LockTable), key, a.holder)
		return err
	}, nil
}

func (a *Adapter) BreakLock(ctx context.Context, key string) (bool, error) {
	exists, err := a.TableExists(ctx, database.LockTable)
	if err != nil || !exists {
		return false, err
	}
	res, err := a.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", database.LockTable), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloneForSandbox writes a new database file holding every non-excluded
// table, index, view and trigger plus seed rows. Remote libsql databases are
// cloned into a local file.
func (a *Adapter) CloneForSandbox(ctx context.Context, opts database.CloneOptions) (*database.Sandbox, error) {
	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	name := SandboxPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(dir, name+".db")
	sandbox := database.NewSandbox(database.DialectSQLite, name, path, func(context.Context) error {
		return removeFiles(path)
	})

	if err := a.clone(ctx, path, opts); err != nil {
		_ = sandbox.Teardown(context.WithoutCancel(ctx))
		return nil, err
	}
	return sandbox, nil
}

func (a *Adapter) clone(ctx context.Context, path string, opts database.CloneOptions) error {
	driver, conn := driverDSN(path)
	dst, err := sql.Open(driver, conn)
	if err != nil {
		return fmt.Errorf("failed to create sandbox file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	all, err := a.introspector.GetTables(ctx, a.db)
	if err != nil {
		return err
	}
	var names []string
	for _, t := range all {
		if !opts.Excluded(t) {
			names = append(names, t)
		}
	}
	tables, err := database.IntrospectTables(ctx, a.introspector, a.db, names)
	if err != nil {
		return err
	}
	for n := range tables {
		def, err := a.introspector.GetTableDefinition(ctx, a.db, tables[n].Name)
		if err != nil {
			return err
		}
		tables[n].Definition = def
	}
	tables = database.OrderByForeignKeys(tables)

	for _, t := range tables {
		if _, err := dst.ExecContext(ctx, t.Definition); err != nil {
			return fmt.Errorf("failed to recreate table %s in sandbox: %w", t.Name, err)
		}
	}

	if err := database.SeedSandbox(ctx, a.db, dst, database.TableNames(tables), opts, quoteIdent,
		func(int) string { return "?" }); err != nil {
		return err
	}

	for _, t := range tables {
		for _, idx := range t.Indexes {
			if _, err := dst.ExecContext(ctx, idx.Definition); err != nil {
				return fmt.Errorf("failed to recreate index %s in sandbox: %w", idx.Name, err)
			}
		}
	}

	for _, kind := range []string{"view", "trigger"} {
		objects, err := a.introspector.GetObjects(ctx, a.db, kind)
		if err != nil {
			return err
		}
		for _, o := range objects {
			if opts.Excluded(o.Table) {
				continue
			}
			if _, err := dst.ExecContext(ctx, o.SQL); err != nil {
				return fmt.Errorf("failed to recreate %s %s in sandbox: %w", kind, o.Name, err)
			}
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (a *Adapter) Close() error { return a.db.Close() }

// ErrNotSandbox is returned by RemoveSandbox for paths it did not create.
var ErrNotSandbox = errors.New("not a ratchet sandbox file")

// RemoveSandbox deletes a sandbox file left behind by a crashed run.
func RemoveSandbox(path string) error {
	if !strings.HasPrefix(filepath.Base(path), SandboxPrefix) {
		return fmt.Errorf("%s: %w", path, ErrNotSandbox)
	}
	return removeFiles(path)
}
