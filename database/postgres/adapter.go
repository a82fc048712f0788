// Package postgres implements database.Adapter for PostgreSQL on lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/parser"
)

// SandboxPrefix starts the name of every sandbox database.
const SandboxPrefix = "ratchet_sbx_"

// Adapter talks to one PostgreSQL database.
type Adapter struct {
	db           *sql.DB
	dsn          string
	introspector *Introspector
	generator    *Generator
}

var _ database.Adapter = (*Adapter)(nil)

// Open connects to dsn and pings it.
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	db, err := connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(db, dsn), nil
}

// New wraps an open connection pool. dsn is used to derive sandbox
// connection strings.
func New(db *sql.DB, dsn string) *Adapter {
	return &Adapter{
		db:           db,
		dsn:          dsn,
		introspector: NewIntrospector(),
		generator:    NewGenerator(),
	}
}

func connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// normalizeDSN disables TLS for local URLs that do not set sslmode, matching
// what a default local server accepts.
func normalizeDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return dsn
	}
	q := u.Query()
	if q.Get("sslmode") != "" {
		return dsn
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "":
		q.Set("sslmode", "disable")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn
}

var dbnameRe = regexp.MustCompile(`(^|\s)dbname=\S*`)

// withDatabase returns dsn pointed at database name.
func withDatabase(dsn, name string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid postgres url: %w", err)
		}
		u.Path = "/" + name
		return u.String(), nil
	}
	if dbnameRe.MatchString(dsn) {
		return dbnameRe.ReplaceAllString(dsn, "${1}dbname="+name), nil
	}
	return strings.TrimSpace(dsn + " dbname=" + name), nil
}

func (a *Adapter) Dialect() database.Dialect { return database.DialectPostgres }

// Transactional is true: DDL is transactional in PostgreSQL.
func (a *Adapter) Transactional() bool { return true }

// DB exposes the underlying pool.
func (a *Adapter) DB() *sql.DB { return a.db }

// Execute runs the script in a single transaction.
func (a *Adapter) Execute(ctx context.Context, script string) (int64, error) {
	stmts, err := parser.SplitPostgres(script)
	if err != nil {
		return 0, err
	}
	return database.RunInTx(ctx, a.db, stmts)
}

// CheckSupported rejects statements PostgreSQL refuses inside a
// transaction block, and explicit transaction control.
func (a *Adapter) CheckSupported(_ context.Context, script string) error {
	stmts, err := parser.SplitPostgres(script)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		tree, err := pg_query.Parse(stmt)
		if err != nil {
			return fmt.Errorf("failed to parse statement: %w", err)
		}
		for _, raw := range tree.Stmts {
			if op := nonTransactional(raw.Stmt); op != "" {
				return &errdefs.UnsupportedOperationError{
					Dialect:    string(database.DialectPostgres),
					Operation:  op,
					Statement:  stmt,
					Reason:     "migrations run inside a single transaction",
					Suggestion: "run this statement outside ratchet, then record it with `ratchet mark-applied`",
				}
			}
		}
	}
	return nil
}

func nonTransactional(node *pg_query.Node) string {
	switch n := node.GetNode().(type) {
	case *pg_query.Node_IndexStmt:
		if n.IndexStmt.Concurrent {
			return "CREATE INDEX CONCURRENTLY"
		}
	case *pg_query.Node_DropStmt:
		if n.DropStmt.Concurrent {
			return "DROP INDEX CONCURRENTLY"
		}
	case *pg_query.Node_ReindexStmt:
		for _, p := range n.ReindexStmt.Params {
			if d := p.GetDefElem(); d != nil && strings.EqualFold(d.Defname, "concurrently") {
				return "REINDEX CONCURRENTLY"
			}
		}
	case *pg_query.Node_VacuumStmt:
		return "VACUUM"
	case *pg_query.Node_CreatedbStmt:
		return "CREATE DATABASE"
	case *pg_query.Node_DropdbStmt:
		return "DROP DATABASE"
	case *pg_query.Node_TransactionStmt:
		return "transaction control statements"
	}
	return ""
}

func (a *Adapter) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, database.RebindDollar(query), args...)
}

func (a *Adapter) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return a.db.QueryRowContext(ctx, database.RebindDollar(query), args...)
}

func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, database.RebindDollar(query), args...)
}

// InsertReturningID appends RETURNING id to the insert.
func (a *Adapter) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := a.QueryRow(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

// IsUniqueViolation matches SQLSTATE 23505.
func (a *Adapter) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (a *Adapter) TrackingTableDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	migration_number INTEGER NOT NULL,
	migration_name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	applied_by TEXT NOT NULL DEFAULT '',
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('in_progress', 'applied', 'failed', 'rolled_back')),
	error_message TEXT,
	rollback_at TIMESTAMPTZ,
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
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, name).Scan(&exists)
	return exists, err
}

func (a *Adapter) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
	return exists, err
}

// AdvisoryLock takes a session-level advisory lock on a dedicated
// connection. The lock lives as long as that connection.
func (a *Adapter) AdvisoryLock(ctx context.Context, key string, wait time.Duration) (func() error, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}

	ok, err := database.PollLock(ctx, wait, func(ctx context.Context) (bool, error) {
		var got bool
		err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&got)
		return got, err
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock %q: %w", key, err)
	}
	if !ok {
		_ = conn.Close()
		return nil, &errdefs.LockContentionError{Key: key, Holder: a.lockHolder(ctx, key), Waited: wait}
	}

	return func() error {
		defer func() { _ = conn.Close() }()
		_, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock(hashtext($1))", key)
		return err
	}, nil
}

// lockHolder describes the session holding key, or "" when unknown.
func (a *Adapter) lockHolder(ctx context.Context, key string) string {
	var holder sql.NullString
	_ = a.db.QueryRowContext(ctx, `
		SELECT s.usename || '@' || COALESCE(host(s.client_addr), 'local') || ' pid ' || s.pid
		FROM pg_locks l
		JOIN pg_stat_activity s ON s.pid = l.pid
		WHERE l.locktype = 'advisory'
		  AND l.granted
		  AND l.objsubid = 1
		  AND ((l.classid::bigint << 32) | l.objid::bigint) = hashtext($1)::bigint
		LIMIT 1`, key).Scan(&holder)
	return holder.String
}

// CloneForSandbox creates a fresh database on the base server, recreates
// every non-excluded table and copies seed rows into it.
func (a *Adapter) CloneForSandbox(ctx context.Context, opts database.CloneOptions) (*database.Sandbox, error) {
	base := opts.BaseDSN
	if base == "" {
		base = a.dsn
	}
	admin, err := connect(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sandbox server: %w", err)
	}

	name := SandboxPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("failed to create sandbox database: %w", err)
	}

	dsn, err := withDatabase(base, name)
	if err != nil {
		_ = admin.Close()
		return nil, err
	}
	sandbox := database.NewSandbox(database.DialectPostgres, name, dsn, func(ctx context.Context) error {
		defer func() { _ = admin.Close() }()
		return DropDatabase(ctx, admin, name)
	})

	if err := a.seed(ctx, dsn, opts); err != nil {
		_ = sandbox.Teardown(context.WithoutCancel(ctx))
		return nil, err
	}
	return sandbox, nil
}

func (a *Adapter) seed(ctx context.Context, dsn string, opts database.CloneOptions) error {
	dst, err := connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to sandbox: %w", err)
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

	creates, constraints := a.generator.CloneStatements(tables)
	for _, stmt := range creates {
		if _, err := dst.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to recreate table in sandbox: %w\n  %s", err, stmt)
		}
	}
	if err := database.SeedSandbox(ctx, a.db, dst, names, opts, pq.QuoteIdentifier, a.generator.ParameterPlaceholder); err != nil {
		return err
	}
	for _, stmt := range constraints {
		if _, err := dst.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to recreate constraint in sandbox: %w\n  %s", err, stmt)
		}
	}
	return nil
}

// DropDatabase drops name, disconnecting any remaining sessions first.
func DropDatabase(ctx context.Context, admin *sql.DB, name string) error {
	quoted := pq.QuoteIdentifier(name)
	if _, err := admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoted+" WITH (FORCE)"); err == nil {
		return nil
	}
	// Servers before 13 have no FORCE option.
	if _, err := admin.ExecContext(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		name); err != nil {
		return fmt.Errorf("failed to disconnect sandbox sessions: %w", err)
	}
	if _, err := admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoted); err != nil {
		return fmt.Errorf("failed to drop sandbox database %s: %w", name, err)
	}
	return nil
}

// DropSandbox connects to the server at baseDSN and drops the sandbox
// database name. Names without SandboxPrefix are refused.
func DropSandbox(ctx context.Context, baseDSN, name string) error {
	if !strings.HasPrefix(name, SandboxPrefix) {
		return fmt.Errorf("refusing to drop %q: not a ratchet sandbox", name)
	}
	admin, err := connect(ctx, baseDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to sandbox server: %w", err)
	}
	defer func() { _ = admin.Close() }()
	return DropDatabase(ctx, admin, name)
}

func (a *Adapter) Close() error { return a.db.Close() }
