package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lockplane/ratchet/database"
)

// Introspector reads SQLite structure from sqlite_master and the table
// pragmas. Sandboxes replay the stored CREATE statements; the parsed column
// and key lists drive seeding order and effect checks.
type Introspector struct{}

func NewIntrospector() *Introspector {
	return &Introspector{}
}

var _ database.Introspector = (*Introspector)(nil)

// Object is a schema object as stored in sqlite_master.
type Object struct {
	Type  string
	Name  string
	Table string
	SQL   string
}

// GetTables returns user tables in name order.
func (i *Introspector) GetTables(ctx context.Context, db *sql.DB) ([]string, error) {
	objects, err := i.GetObjects(ctx, db, "table")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.Name)
	}
	sort.Strings(names)
	return names, nil
}

// GetObjects returns sqlite_master rows of the given type that carry SQL,
// in creation order.
func (i *Introspector) GetObjects(ctx context.Context, db *sql.DB, objectType string) ([]Object, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT type, name, tbl_name, sql
		FROM sqlite_master
		WHERE type = ? AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		ORDER BY rowid
	`, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s definitions: %w", objectType, err)
	}
	defer func() { _ = rows.Close() }()

	var objects []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Type, &o.Name, &o.Table, &o.SQL); err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// GetColumns reads pragma_table_info for table.
func (i *Introspector) GetColumns(ctx context.Context, db *sql.DB, table string) ([]database.Column, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type, "notnull" = 0, dflt_value, pk > 0 FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []database.Column
	for rows.Next() {
		var (
			col database.Column
			def sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &def, &col.IsPrimaryKey); err != nil {
			return nil, err
		}
		if def.Valid {
			value := def.String
			col.Default = &value
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// GetIndexes returns indexes created with CREATE INDEX. Indexes SQLite
// creates for PRIMARY KEY and UNIQUE constraints come back with the table.
func (i *Introspector) GetIndexes(ctx context.Context, db *sql.DB, tableName string) ([]database.Index, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT l.name, l."unique", m.sql
		FROM pragma_index_list(?) l
		JOIN sqlite_master m ON m.type = 'index' AND m.name = l.name
		WHERE l.origin = 'c' AND m.sql IS NOT NULL
		ORDER BY l.name
	`, tableName)
	if err != nil {
		return nil, err
	}

	var indexes []database.Index
	for rows.Next() {
		var idx database.Index
		var unique int
		if err := rows.Scan(&idx.Name, &unique, &idx.Definition); err != nil {
			_ = rows.Close()
			return nil, err
		}
		idx.Unique = unique == 1
		indexes = append(indexes, idx)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// Column lookups run after the list is closed so a single-connection
	// pool does not deadlock.
	for n := range indexes {
		cols, err := i.indexColumns(ctx, db, indexes[n].Name)
		if err != nil {
			return nil, err
		}
		indexes[n].Columns = cols
	}

	return indexes, nil
}

func (i *Introspector) indexColumns(ctx context.Context, db *sql.DB, indexName string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, indexName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		// Expression index columns have no name.
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

// GetForeignKeys reads pragma_foreign_key_list for table. SQLite does not
// keep constraint names, so keys are named fk_<table>_<id>.
func (i *Introspector) GetForeignKeys(ctx context.Context, db *sql.DB, table string) ([]database.ForeignKey, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, "table", "from", "to", on_update, on_delete FROM pragma_foreign_key_list(?) ORDER BY id, seq`,
		table)
	if err != nil {
		return nil, fmt.Errorf("failed to read foreign keys of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		fks    []database.ForeignKey
		lastID = -1
	)
	for rows.Next() {
		var (
			id                 int
			parent, from       string
			to                 sql.NullString
			onUpdate, onDelete string
		)
		if err := rows.Scan(&id, &parent, &from, &to, &onUpdate, &onDelete); err != nil {
			return nil, err
		}
		if id != lastID {
			fks = append(fks, database.ForeignKey{
				Name:            fmt.Sprintf("fk_%s_%d", table, id),
				ReferencedTable: parent,
				OnUpdate:        action(onUpdate),
				OnDelete:        action(onDelete),
			})
			lastID = id
		}
		fk := &fks[len(fks)-1]
		fk.Columns = append(fk.Columns, from)
		// "to" is NULL when the key references the parent's primary key.
		if to.Valid {
			fk.ReferencedColumns = append(fk.ReferencedColumns, to.String)
		}
	}
	return fks, rows.Err()
}

func action(rule string) *string {
	if rule == "" || rule == "NO ACTION" {
		return nil
	}
	return &rule
}

// GetTableDefinition returns the CREATE TABLE statement stored for table.
func (i *Introspector) GetTableDefinition(ctx context.Context, db *sql.DB, tableName string) (string, error) {
	var def string
	err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, tableName).Scan(&def)
	if err != nil {
		return "", fmt.Errorf("failed to read definition of table %s: %w", tableName, err)
	}
	return def, nil
}
