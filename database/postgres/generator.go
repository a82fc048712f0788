package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/lockplane/ratchet/database"
)

// Generator renders PostgreSQL DDL that recreates introspected tables in a
// sandbox database.
type Generator struct{}

// NewGenerator creates a new PostgreSQL SQL generator
func NewGenerator() *Generator {
	return &Generator{}
}

// CloneStatements returns the DDL for tables in two phases: every CREATE
// TABLE, then constraints, foreign keys and secondary indexes. Seed rows are
// copied between the two so their order does not matter. Unique constraints
// come before foreign keys, which may reference them.
func (g *Generator) CloneStatements(tables []database.Table) (creates, constraints []string) {
	var fks, indexes []string
	for _, table := range tables {
		creates = append(creates, g.CreateTable(table))
		constraints = append(constraints, table.Constraints...)
		for _, fk := range table.ForeignKeys {
			fks = append(fks, g.AddForeignKey(table.Name, fk))
		}
		for _, idx := range table.Indexes {
			indexes = append(indexes, g.AddIndex(table.Name, idx))
		}
	}
	constraints = append(constraints, fks...)
	return creates, append(constraints, indexes...)
}

// CreateTable generates PostgreSQL SQL to create a table
func (g *Generator) CreateTable(table database.Table) string {
	var sb strings.Builder

	var pk []string
	for _, col := range table.Columns {
		if col.IsPrimaryKey {
			pk = append(pk, pq.QuoteIdentifier(col.Name))
		}
	}
	inlinePK := len(pk) == 1

	fmt.Fprintf(&sb, "CREATE TABLE %s (\n", pq.QuoteIdentifier(table.Name))
	for i, col := range table.Columns {
		sb.WriteString("  ")
		sb.WriteString(g.FormatColumnDefinition(col, inlinePK))
		if i < len(table.Columns)-1 || len(pk) > 1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	if len(pk) > 1 {
		fmt.Fprintf(&sb, "  PRIMARY KEY (%s)\n", strings.Join(pk, ", "))
	}
	sb.WriteString(")")

	return sb.String()
}

// AddIndex returns the index's own definition when known, otherwise a plain
// CREATE INDEX over its columns.
func (g *Generator) AddIndex(tableName string, idx database.Index) string {
	if idx.Definition != "" {
		return idx.Definition
	}

	uniqueStr := ""
	if idx.Unique {
		uniqueStr = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		uniqueStr, pq.QuoteIdentifier(idx.Name), pq.QuoteIdentifier(tableName), quoteList(idx.Columns))
}

// AddForeignKey generates PostgreSQL SQL to add a foreign key
func (g *Generator) AddForeignKey(tableName string, fk database.ForeignKey) string {
	sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		pq.QuoteIdentifier(tableName), pq.QuoteIdentifier(fk.Name), quoteList(fk.Columns),
		pq.QuoteIdentifier(fk.ReferencedTable), quoteList(fk.ReferencedColumns))

	if fk.OnDelete != nil {
		sql += fmt.Sprintf(" ON DELETE %s", *fk.OnDelete)
	}
	if fk.OnUpdate != nil {
		sql += fmt.Sprintf(" ON UPDATE %s", *fk.OnUpdate)
	}
	return sql
}

// FormatColumnDefinition formats a column definition for CREATE TABLE.
func (g *Generator) FormatColumnDefinition(col database.Column, inlinePK bool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s", pq.QuoteIdentifier(col.Name), col.Type)

	if !col.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		fmt.Fprintf(&sb, " DEFAULT %s", *col.Default)
	}
	if col.IsPrimaryKey && inlinePK {
		sb.WriteString(" PRIMARY KEY")
	}

	return sb.String()
}

// ParameterPlaceholder returns the PostgreSQL parameter placeholder ($1, $2, etc.)
func (g *Generator) ParameterPlaceholder(position int) string {
	return fmt.Sprintf("$%d", position)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}
