package parser

import (
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/lockplane/ratchet/database"
)

// ColumnRef names a column of a table.
type ColumnRef struct {
	Table  string
	Column string
}

func (c ColumnRef) String() string { return c.Table + "." + c.Column }

// Effects are the structural changes a script declares. Names are
// unqualified and lowercased for unquoted identifiers.
type Effects struct {
	CreatedTables  []string
	DroppedTables  []string
	AddedColumns   []ColumnRef
	DroppedColumns []ColumnRef
}

// Empty reports whether no effect was recognised.
func (e *Effects) Empty() bool {
	return len(e.CreatedTables) == 0 && len(e.DroppedTables) == 0 &&
		len(e.AddedColumns) == 0 && len(e.DroppedColumns) == 0
}

func (e *Effects) createTable(name string) {
	if name == "" {
		return
	}
	e.DroppedTables = removeString(e.DroppedTables, name)
	if !database.Contains(e.CreatedTables, name) {
		e.CreatedTables = append(e.CreatedTables, name)
	}
}

func (e *Effects) dropTable(name string) {
	if name == "" {
		return
	}
	if database.Contains(e.CreatedTables, name) {
		e.CreatedTables = removeString(e.CreatedTables, name)
	} else if !database.Contains(e.DroppedTables, name) {
		e.DroppedTables = append(e.DroppedTables, name)
	}
	e.AddedColumns = removeColumnsOf(e.AddedColumns, name)
	e.DroppedColumns = removeColumnsOf(e.DroppedColumns, name)
}

func (e *Effects) addColumn(ref ColumnRef) {
	if ref.Table == "" || ref.Column == "" || database.Contains(e.CreatedTables, ref.Table) {
		return
	}
	e.DroppedColumns = removeColumn(e.DroppedColumns, ref)
	e.AddedColumns = append(e.AddedColumns, ref)
}

func (e *Effects) dropColumn(ref ColumnRef) {
	if ref.Table == "" || ref.Column == "" || database.Contains(e.CreatedTables, ref.Table) {
		return
	}
	before := len(e.AddedColumns)
	e.AddedColumns = removeColumn(e.AddedColumns, ref)
	if len(e.AddedColumns) == before {
		e.DroppedColumns = append(e.DroppedColumns, ref)
	}
}

func (e *Effects) renameTable(from, to string) {
	e.dropTable(from)
	e.createTable(to)
}

// ParseEffects extracts the effects of script for dialect.
func ParseEffects(dialect database.Dialect, script string) (*Effects, error) {
	if dialect == database.DialectPostgres {
		return postgresEffects(script)
	}
	effects := &Effects{}
	for _, stmt := range SplitStatements(script, dialect == database.DialectMySQL) {
		lexicalEffects(effects, stmt)
	}
	return effects, nil
}

func postgresEffects(script string) (*Effects, error) {
	tree, err := pg_query.Parse(script)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}

	effects := &Effects{}
	for _, raw := range tree.Stmts {
		if raw.Stmt == nil {
			continue
		}
		switch node := raw.Stmt.Node.(type) {
		case *pg_query.Node_CreateStmt:
			if node.CreateStmt.Relation != nil {
				effects.createTable(node.CreateStmt.Relation.Relname)
			}

		case *pg_query.Node_CreateTableAsStmt:
			if into := node.CreateTableAsStmt.Into; into != nil && into.Rel != nil &&
				node.CreateTableAsStmt.Objtype == pg_query.ObjectType_OBJECT_TABLE {
				effects.createTable(into.Rel.Relname)
			}

		case *pg_query.Node_DropStmt:
			if node.DropStmt.RemoveType != pg_query.ObjectType_OBJECT_TABLE {
				continue
			}
			for _, obj := range node.DropStmt.Objects {
				effects.dropTable(lastName(obj))
			}

		case *pg_query.Node_AlterTableStmt:
			stmt := node.AlterTableStmt
			if stmt.Relation == nil || stmt.Objtype != pg_query.ObjectType_OBJECT_TABLE {
				continue
			}
			table := stmt.Relation.Relname
			for _, cmdNode := range stmt.Cmds {
				cmd := cmdNode.GetAlterTableCmd()
				if cmd == nil {
					continue
				}
				switch cmd.Subtype {
				case pg_query.AlterTableType_AT_AddColumn:
					if def := cmd.GetDef().GetColumnDef(); def != nil {
						effects.addColumn(ColumnRef{Table: table, Column: def.Colname})
					}
				case pg_query.AlterTableType_AT_DropColumn:
					effects.dropColumn(ColumnRef{Table: table, Column: cmd.Name})
				}
			}

		case *pg_query.Node_RenameStmt:
			stmt := node.RenameStmt
			if stmt.Relation == nil {
				continue
			}
			switch stmt.RenameType {
			case pg_query.ObjectType_OBJECT_TABLE:
				effects.renameTable(stmt.Relation.Relname, stmt.Newname)
			case pg_query.ObjectType_OBJECT_COLUMN:
				table := stmt.Relation.Relname
				effects.dropColumn(ColumnRef{Table: table, Column: stmt.Subname})
				effects.addColumn(ColumnRef{Table: table, Column: stmt.Newname})
			}
		}
	}
	return effects, nil
}

// lastName returns the unqualified name from a DROP object list.
func lastName(obj *pg_query.Node) string {
	list := obj.GetList()
	if list == nil || len(list.Items) == 0 {
		return ""
	}
	return list.Items[len(list.Items)-1].GetString_().GetSval()
}

const ident = "(?:[`\"\\[]?\\w+[`\"\\]]?\\.)?[`\"\\[]?(\\w+)[`\"\\]]?"

var (
	createTableRe = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:TEMP(?:ORARY)?\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + ident)
	dropTableRe   = regexp.MustCompile(`(?is)^\s*DROP\s+(?:TEMP(?:ORARY)?\s+)?TABLE\s+(?:IF\s+EXISTS\s+)?(.+?)\s*(?:CASCADE|RESTRICT)?\s*;?\s*$`)
	alterTableRe  = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+(?:ONLY\s+)?(?:IF\s+EXISTS\s+)?` + ident + `\s+(.*)$`)
	renameTableRe = regexp.MustCompile(`(?is)^RENAME\s+(?:TO|AS)\s+` + ident)
	renameColRe   = regexp.MustCompile(`(?is)^RENAME\s+(?:COLUMN\s+)?` + ident + `\s+TO\s+` + ident)
	addColumnRe   = regexp.MustCompile(`(?is)^ADD\s+(?:COLUMN\s+)?(?:IF\s+NOT\s+EXISTS\s+)?` + ident)
	dropColumnRe  = regexp.MustCompile(`(?is)^DROP\s+(?:COLUMN\s+)?(?:IF\s+EXISTS\s+)?` + ident)
	identRe       = regexp.MustCompile(`^` + ident + `$`)
)

// Keywords that follow ADD/DROP in ALTER TABLE without naming a column.
var nonColumnKeywords = map[string]bool{
	"CONSTRAINT": true, "INDEX": true, "KEY": true, "PRIMARY": true, "UNIQUE": true,
	"FOREIGN": true, "CHECK": true, "FULLTEXT": true, "SPATIAL": true, "PARTITION": true,
	"DEFAULT": true,
}

func lexicalEffects(effects *Effects, stmt string) {
	stmt = strings.TrimSpace(StripComments(stmt))

	if m := createTableRe.FindStringSubmatch(stmt); m != nil {
		effects.createTable(normalizeIdent(m[1]))
		return
	}
	if m := dropTableRe.FindStringSubmatch(stmt); m != nil {
		for _, name := range strings.Split(m[1], ",") {
			if im := identRe.FindStringSubmatch(strings.TrimSpace(name)); im != nil {
				effects.dropTable(normalizeIdent(im[1]))
			}
		}
		return
	}
	m := alterTableRe.FindStringSubmatch(stmt)
	if m == nil {
		return
	}
	table := normalizeIdent(m[1])
	for _, clause := range splitTopLevel(m[2], ',') {
		clause = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(clause), ";"))
		if rm := renameColRe.FindStringSubmatch(clause); rm != nil && !strings.EqualFold(rm[1], "TO") {
			effects.dropColumn(ColumnRef{Table: table, Column: normalizeIdent(rm[1])})
			effects.addColumn(ColumnRef{Table: table, Column: normalizeIdent(rm[2])})
			continue
		}
		if rm := renameTableRe.FindStringSubmatch(clause); rm != nil {
			effects.renameTable(table, normalizeIdent(rm[1]))
			table = normalizeIdent(rm[1])
			continue
		}
		if am := addColumnRe.FindStringSubmatch(clause); am != nil && !nonColumnKeywords[strings.ToUpper(am[1])] {
			effects.addColumn(ColumnRef{Table: table, Column: normalizeIdent(am[1])})
			continue
		}
		if dm := dropColumnRe.FindStringSubmatch(clause); dm != nil && !nonColumnKeywords[strings.ToUpper(dm[1])] {
			effects.dropColumn(ColumnRef{Table: table, Column: normalizeIdent(dm[1])})
		}
	}
}

// splitTopLevel splits s on sep outside parentheses and quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func normalizeIdent(name string) string {
	return strings.ToLower(name)
}

func removeString(list []string, item string) []string {
	out := list[:0]
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}

func removeColumn(list []ColumnRef, ref ColumnRef) []ColumnRef {
	out := list[:0]
	for _, c := range list {
		if c != ref {
			out = append(out, c)
		}
	}
	return out
}

func removeColumnsOf(list []ColumnRef, table string) []ColumnRef {
	out := list[:0]
	for _, c := range list {
		if c.Table != table {
			out = append(out, c)
		}
	}
	return out
}
