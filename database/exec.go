package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// RunInTx executes statements inside one transaction. Any failure rolls the
// whole script back, so the returned *ExecError always has Applied == 0.
func RunInTx(ctx context.Context, db *sql.DB, statements []string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for i, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, &ExecError{Statement: i + 1, SQL: stmt, Err: err}
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &ExecError{Statement: len(statements), SQL: "COMMIT", Err: err}
	}
	return total, nil
}

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunSequential executes statements one by one with autocommit. Pass a
// *sql.Conn when statements depend on session state. On failure the
// *ExecError records how many statements had already been committed.
func RunSequential(ctx context.Context, db Execer, statements []string) (int64, error) {
	var total int64
	for i, stmt := range statements {
		res, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return total, &ExecError{Statement: i + 1, Applied: i, SQL: stmt, Err: err}
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			total += n
		}
	}
	return total, nil
}

// RebindDollar converts ? placeholders to $1, $2, ... outside of string
// literals and quoted identifiers.
func RebindDollar(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// CopyRows copies up to limit rows of table from src into dst. quote
// quotes identifiers and placeholder renders the n-th (1-based) bind
// parameter for the destination dialect.
func CopyRows(ctx context.Context, src *sql.DB, dst Execer, table string, limit int,
	quote func(string) string, placeholder func(int) string) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	rows, err := src.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quote(table), limit))
	if err != nil {
		return 0, fmt.Errorf("failed to read seed rows from %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		marks[i] = placeholder(i + 1)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	copied := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return copied, fmt.Errorf("failed to scan seed row from %s: %w", table, err)
		}
		if _, err := dst.ExecContext(ctx, insert, values...); err != nil {
			return copied, fmt.Errorf("failed to insert seed row into %s: %w", table, err)
		}
		copied++
	}
	return copied, rows.Err()
}

// SeedSandbox copies opts.SeedRowLimit rows of every seed table. Tables are
// visited in the order of existing, which callers sort parents first.
func SeedSandbox(ctx context.Context, src *sql.DB, dst Execer, existing []string, opts CloneOptions,
	quote func(string) string, placeholder func(int) string) error {
	for _, table := range existing {
		if opts.Excluded(table) || !containsFold(opts.SeedTables, table) {
			continue
		}
		if _, err := CopyRows(ctx, src, dst, table, opts.SeedRowLimit, quote, placeholder); err != nil {
			return err
		}
	}
	return nil
}

func containsFold(list []string, item string) bool {
	for _, s := range list {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
