package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	driverSQLite = "sqlite"
	driverLibSQL = "libsql"
)

// IsRemote reports whether dsn names a libsql server rather than a file.
func IsRemote(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "libsql://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "wss://") || strings.HasPrefix(lower, "ws://")
}

// IsMemory reports whether dsn is an in-memory database.
func IsMemory(dsn string) bool {
	lower := strings.ToLower(dsn)
	return lower == ":memory:" || strings.Contains(lower, "mode=memory")
}

// FilePath extracts the file path from a SQLite connection string.
func FilePath(connStr string) string {
	path := connStr
	for _, prefix := range []string{"sqlite://", "sqlite3://", "file:"} {
		if strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// driverDSN returns the database/sql driver name and connection string.
// Local files get a busy timeout so concurrent ratchet processes wait for
// each other instead of failing with SQLITE_BUSY.
func driverDSN(dsn string) (string, string) {
	if IsRemote(dsn) {
		return driverLibSQL, dsn
	}
	if IsMemory(dsn) {
		return driverSQLite, dsn
	}

	conn := dsn
	for _, prefix := range []string{"sqlite://", "sqlite3://"} {
		if strings.HasPrefix(conn, prefix) {
			conn = strings.TrimPrefix(conn, prefix)
			break
		}
	}
	if !strings.Contains(conn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		conn += sep + "_pragma=busy_timeout(5000)"
	}
	return driverSQLite, conn
}

// ensureDir creates the parent directory of a file database.
func ensureDir(dsn string) error {
	if IsRemote(dsn) || IsMemory(dsn) {
		return nil
	}
	dir := filepath.Dir(FilePath(dsn))
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// removeFiles deletes a database file and its journal companions.
func removeFiles(path string) error {
	var firstErr error
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
