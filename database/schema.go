package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Table describes a table well enough to recreate it in a sandbox.
// Definition, when set, is the engine's own CREATE TABLE statement.
type Table struct {
	Name        string       `json:"name"`
	Definition  string       `json:"definition,omitempty"`
	Columns     []Column     `json:"columns"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	// Constraints are ALTER TABLE statements for constraints that are not
	// keys, replayed after seeding.
	Constraints []string `json:"constraints,omitempty"`
}

// Column represents a table column
type Column struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Nullable     bool    `json:"nullable"`
	Default      *string `json:"default,omitempty"`
	IsPrimaryKey bool    `json:"is_primary_key"`
}

// Index represents a table index. Definition, when set, is the engine's own
// CREATE INDEX statement and is replayed verbatim.
type Index struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns,omitempty"`
	Unique     bool     `json:"unique"`
	Definition string   `json:"definition,omitempty"`
}

// ForeignKey represents a foreign key constraint
type ForeignKey struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
	OnDelete          *string  `json:"on_delete,omitempty"`
	OnUpdate          *string  `json:"on_update,omitempty"`
}

// Introspector reads table structure from a live database.
type Introspector interface {
	// GetTables returns all table names in the database
	GetTables(ctx context.Context, db *sql.DB) ([]string, error)

	// GetColumns returns all columns for a given table
	GetColumns(ctx context.Context, db *sql.DB, tableName string) ([]Column, error)

	// GetIndexes returns all indexes for a given table
	GetIndexes(ctx context.Context, db *sql.DB, tableName string) ([]Index, error)

	// GetForeignKeys returns all foreign keys for a given table
	GetForeignKeys(ctx context.Context, db *sql.DB, tableName string) ([]ForeignKey, error)
}

// ConstraintIntrospector is implemented by introspectors whose table
// definitions leave out unique and check constraints.
type ConstraintIntrospector interface {
	GetConstraints(ctx context.Context, db *sql.DB, tableName string) ([]string, error)
}

// IntrospectTables reads the named tables through in.
func IntrospectTables(ctx context.Context, in Introspector, db *sql.DB, names []string) ([]Table, error) {
	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table := Table{Name: name}

		columns, err := in.GetColumns(ctx, db, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get columns for table %s: %w", name, err)
		}
		table.Columns = columns

		indexes, err := in.GetIndexes(ctx, db, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get indexes for table %s: %w", name, err)
		}
		table.Indexes = indexes

		foreignKeys, err := in.GetForeignKeys(ctx, db, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get foreign keys for table %s: %w", name, err)
		}
		table.ForeignKeys = foreignKeys

		if ci, ok := in.(ConstraintIntrospector); ok {
			if table.Constraints, err = ci.GetConstraints(ctx, db, name); err != nil {
				return nil, fmt.Errorf("failed to get constraints for table %s: %w", name, err)
			}
		}

		tables = append(tables, table)
	}
	return tables, nil
}

// Contains reports whether item is in slice.
func Contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// OrderByForeignKeys returns tables with every referenced table before the
// tables referencing it. Tables caught in a reference cycle keep their
// original relative order at the end.
func OrderByForeignKeys(tables []Table) []Table {
	byName := make(map[string]int, len(tables))
	for i, t := range tables {
		byName[t.Name] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(tables))
	ordered := make([]Table, 0, len(tables))
	var cyclic []int

	var visit func(i int) bool
	visit = func(i int) bool {
		switch state[i] {
		case done:
			return true
		case visiting:
			return false
		}
		state[i] = visiting
		for _, fk := range tables[i].ForeignKeys {
			j, ok := byName[fk.ReferencedTable]
			if !ok || j == i {
				continue
			}
			if !visit(j) {
				state[i] = unvisited
				return false
			}
		}
		state[i] = done
		ordered = append(ordered, tables[i])
		return true
	}

	for i := range tables {
		if !visit(i) {
			cyclic = append(cyclic, i)
		}
	}
	for _, i := range cyclic {
		if state[i] != done {
			state[i] = done
			ordered = append(ordered, tables[i])
		}
	}
	return ordered
}

// TableNames returns the names of tables in order.
func TableNames(tables []Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}
