package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lockplane/ratchet/database"
)

// Introspector implements database.Introspector for MySQL using
// information_schema of the connection's current database.
type Introspector struct{}

// NewIntrospector creates a new MySQL introspector
func NewIntrospector() *Introspector {
	return &Introspector{}
}

var _ database.Introspector = (*Introspector)(nil)

// GetTables returns all base table names in the current database
func (i *Introspector) GetTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tableNames []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tableNames = append(tableNames, tableName)
	}
	return tableNames, rows.Err()
}

// GetColumns returns all columns for a given MySQL table
func (i *Introspector) GetColumns(ctx context.Context, db *sql.DB, tableName string) ([]database.Column, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, column_type, is_nullable, column_default, column_key
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
	`, tableName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var columns []database.Column
	for rows.Next() {
		var col database.Column
		var nullable, key string
		var defaultVal sql.NullString

		if err := rows.Scan(&col.Name, &col.Type, &nullable, &defaultVal, &key); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		col.IsPrimaryKey = key == "PRI"
		if defaultVal.Valid {
			def := defaultVal.String
			col.Default = &def
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// GetIndexes returns secondary indexes, one entry per index with its
// columns in sequence order.
func (i *Introspector) GetIndexes(ctx context.Context, db *sql.DB, tableName string) ([]database.Index, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT index_name, non_unique, column_name
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name <> 'PRIMARY'
		ORDER BY index_name, seq_in_index
	`, tableName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var indexes []database.Index
	for rows.Next() {
		var name string
		var nonUnique int
		var column sql.NullString
		if err := rows.Scan(&name, &nonUnique, &column); err != nil {
			return nil, err
		}
		if len(indexes) == 0 || indexes[len(indexes)-1].Name != name {
			indexes = append(indexes, database.Index{Name: name, Unique: nonUnique == 0})
		}
		// Functional key parts have no column name.
		if column.Valid {
			last := &indexes[len(indexes)-1]
			last.Columns = append(last.Columns, column.String)
		}
	}
	return indexes, rows.Err()
}

// GetForeignKeys returns all foreign keys for a given MySQL table
func (i *Introspector) GetForeignKeys(ctx context.Context, db *sql.DB, tableName string) ([]database.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT k.constraint_name, k.column_name, k.referenced_table_name, k.referenced_column_name,
			r.update_rule, r.delete_rule
		FROM information_schema.key_column_usage k
		JOIN information_schema.referential_constraints r
			ON r.constraint_schema = k.constraint_schema
			AND r.constraint_name = k.constraint_name
		WHERE k.table_schema = DATABASE() AND k.table_name = ?
			AND k.referenced_table_name IS NOT NULL
		ORDER BY k.constraint_name, k.ordinal_position
	`, tableName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var foreignKeys []database.ForeignKey
	for rows.Next() {
		var name, column, refTable, refColumn, updateRule, deleteRule string
		if err := rows.Scan(&name, &column, &refTable, &refColumn, &updateRule, &deleteRule); err != nil {
			return nil, err
		}
		if len(foreignKeys) == 0 || foreignKeys[len(foreignKeys)-1].Name != name {
			fk := database.ForeignKey{Name: name, ReferencedTable: refTable}
			if updateRule != "NO ACTION" && updateRule != "RESTRICT" {
				fk.OnUpdate = &updateRule
			}
			if deleteRule != "NO ACTION" && deleteRule != "RESTRICT" {
				fk.OnDelete = &deleteRule
			}
			foreignKeys = append(foreignKeys, fk)
		}
		last := &foreignKeys[len(foreignKeys)-1]
		last.Columns = append(last.Columns, column)
		last.ReferencedColumns = append(last.ReferencedColumns, refColumn)
	}
	return foreignKeys, rows.Err()
}

// GetTableDefinition returns SHOW CREATE TABLE output for table.
func (i *Introspector) GetTableDefinition(ctx context.Context, db *sql.DB, tableName string) (string, error) {
	var name, def string
	if err := db.QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteIdent(tableName)).Scan(&name, &def); err != nil {
		return "", fmt.Errorf("failed to read definition of table %s: %w", tableName, err)
	}
	return def, nil
}
