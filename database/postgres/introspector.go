package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/lockplane/ratchet/database"
)

// Introspector reads table structure from pg_catalog for sandbox cloning.
// Only the current schema is visible.
type Introspector struct{}

func NewIntrospector() *Introspector {
	return &Introspector{}
}

var (
	_ database.Introspector           = (*Introspector)(nil)
	_ database.ConstraintIntrospector = (*Introspector)(nil)
)

// relation restricts a pg_class alias c to the named table in the current
// schema. The name is bound as $1.
const relation = `c.relname = $1 AND c.relnamespace = (SELECT oid FROM pg_namespace WHERE nspname = current_schema())`

// GetTables returns ordinary and partitioned tables, skipping partitions.
func (i *Introspector) GetTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_class c
		WHERE c.relnamespace = (SELECT oid FROM pg_namespace WHERE nspname = current_schema())
		  AND c.relkind IN ('r', 'p')
		  AND NOT c.relispartition
		ORDER BY c.relname`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return scanStrings(rows)
}

// GetColumns returns the live columns of table in ordinal order. Sequence
// and identity defaults belong to objects of the source database, so those
// columns come back as serial types without a default.
func (i *Introspector) GetColumns(ctx context.Context, db *sql.DB, table string) ([]database.Column, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.attname,
		       format_type(a.atttypid, a.atttypmod),
		       NOT a.attnotnull,
		       pg_get_expr(d.adbin, d.adrelid),
		       a.attidentity <> '',
		       COALESCE(a.attnum = ANY (pk.indkey), false)
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		LEFT JOIN pg_index pk ON pk.indrelid = c.oid AND pk.indisprimary
		WHERE `+relation+`
		  AND a.attnum > 0
		  AND NOT a.attisdropped
		ORDER BY a.attnum`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []database.Column
	for rows.Next() {
		var (
			col      database.Column
			def      sql.NullString
			identity bool
		)
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &def, &identity, &col.IsPrimaryKey); err != nil {
			return nil, err
		}
		switch {
		case identity || (def.Valid && isSequenceDefault(def.String)):
			col.Type = serialType(col.Type)
		case def.Valid:
			value := def.String
			col.Default = &value
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// GetIndexes returns plain indexes of table. Indexes that back a primary
// key or a constraint are recreated with the table or by GetConstraints.
func (i *Introspector) GetIndexes(ctx context.Context, db *sql.DB, table string) ([]database.Index, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ic.relname, pg_get_indexdef(ix.indexrelid), ix.indisunique
		FROM pg_index ix
		JOIN pg_class c ON c.oid = ix.indrelid
		JOIN pg_class ic ON ic.oid = ix.indexrelid
		WHERE `+relation+`
		  AND NOT ix.indisprimary
		  AND NOT EXISTS (SELECT 1 FROM pg_constraint con WHERE con.conindid = ix.indexrelid)
		ORDER BY ic.relname`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexes of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var indexes []database.Index
	for rows.Next() {
		var idx database.Index
		if err := rows.Scan(&idx.Name, &idx.Definition, &idx.Unique); err != nil {
			return nil, err
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

// GetForeignKeys returns the foreign keys of table with their columns in
// declaration order.
func (i *Introspector) GetForeignKeys(ctx context.Context, db *sql.DB, table string) ([]database.ForeignKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT con.conname,
		       ref.relname,
		       con.confupdtype,
		       con.confdeltype,
		       ARRAY(SELECT a.attname FROM unnest(con.conkey) WITH ORDINALITY k(num, pos)
		             JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.num
		             ORDER BY k.pos)::text[],
		       ARRAY(SELECT a.attname FROM unnest(con.confkey) WITH ORDINALITY k(num, pos)
		             JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.num
		             ORDER BY k.pos)::text[]
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_class ref ON ref.oid = con.confrelid
		WHERE `+relation+`
		  AND con.contype = 'f'
		ORDER BY con.conname`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read foreign keys of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var fks []database.ForeignKey
	for rows.Next() {
		var (
			fk               database.ForeignKey
			onUpdate, onDel  string
			cols, refColumns pq.StringArray
		)
		if err := rows.Scan(&fk.Name, &fk.ReferencedTable, &onUpdate, &onDel, &cols, &refColumns); err != nil {
			return nil, err
		}
		fk.Columns, fk.ReferencedColumns = cols, refColumns
		fk.OnUpdate = referentialAction(onUpdate)
		fk.OnDelete = referentialAction(onDel)
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// GetConstraints returns ALTER TABLE statements for the unique, check and
// exclusion constraints of table.
func (i *Introspector) GetConstraints(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT format('ALTER TABLE %I ADD CONSTRAINT %I %s', c.relname, con.conname, pg_get_constraintdef(con.oid))
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		WHERE `+relation+`
		  AND con.contype IN ('u', 'c', 'x')
		ORDER BY con.conname`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read constraints of %s: %w", table, err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func isSequenceDefault(def string) bool {
	return strings.HasPrefix(def, "nextval(")
}

func serialType(typ string) string {
	switch strings.ToLower(typ) {
	case "bigint":
		return "bigserial"
	case "smallint":
		return "smallserial"
	case "integer":
		return "serial"
	}
	return typ
}

// referentialAction maps pg_constraint action codes. NO ACTION is the
// default and maps to nil.
func referentialAction(code string) *string {
	var action string
	switch code {
	case "r":
		action = "RESTRICT"
	case "c":
		action = "CASCADE"
	case "n":
		action = "SET NULL"
	case "d":
		action = "SET DEFAULT"
	default:
		return nil
	}
	return &action
}
