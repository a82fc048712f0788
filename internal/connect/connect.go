// Package connect opens the adapter matching a dialect configuration.
package connect

import (
	"context"
	"fmt"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/database/mysql"
	"github.com/lockplane/ratchet/database/postgres"
	"github.com/lockplane/ratchet/database/sqlite"
)

// Open connects to cfg.DSN with the adapter for cfg.Dialect. An empty
// dialect is detected from the DSN.
func Open(ctx context.Context, cfg database.DialectConfig) (database.Adapter, error) {
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = database.DetectDialect(cfg.DSN)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("no database connection string configured")
	}
	return OpenDSN(ctx, dialect, cfg.DSN)
}

// OpenDSN connects to dsn with the adapter for dialect.
func OpenDSN(ctx context.Context, dialect database.Dialect, dsn string) (database.Adapter, error) {
	switch dialect {
	case database.DialectPostgres:
		return postgres.Open(ctx, dsn)
	case database.DialectMySQL:
		return mysql.Open(ctx, dsn)
	case database.DialectSQLite:
		return sqlite.Open(ctx, dsn)
	case "":
		return nil, fmt.Errorf("cannot detect the database dialect from %q; set dialect in ratchet.toml", Redact(dsn))
	}
	return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
}

// DropSandbox removes a sandbox left behind by a crashed run. baseDSN is the
// server the sandbox was created on; file sandboxes are addressed by dsn.
func DropSandbox(ctx context.Context, dialect database.Dialect, baseDSN, name, dsn string) error {
	switch dialect {
	case database.DialectPostgres:
		return postgres.DropSandbox(ctx, baseDSN, name)
	case database.DialectMySQL:
		return mysql.DropSandbox(ctx, baseDSN, name)
	case database.DialectSQLite:
		return sqlite.RemoveSandbox(dsn)
	}
	return fmt.Errorf("unsupported database dialect: %s", dialect)
}
