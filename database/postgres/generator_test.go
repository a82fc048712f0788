package postgres

import (
	"strings"
	"testing"

	"github.com/lockplane/ratchet/database"
)

func TestGenerator_CreateTable(t *testing.T) {
	gen := NewGenerator()

	def := "0"
	table := database.Table{
		Name: "users",
		Columns: []database.Column{
			{Name: "id", Type: "bigserial", Nullable: false, IsPrimaryKey: true},
			{Name: "email", Type: "text", Nullable: false},
			{Name: "logins", Type: "integer", Nullable: true, Default: &def},
		},
	}

	sql := gen.CreateTable(table)

	for _, want := range []string{
		`CREATE TABLE "users"`,
		`"id" bigserial NOT NULL PRIMARY KEY,`,
		`"email" text NOT NULL,`,
		`"logins" integer DEFAULT 0`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("Expected SQL to contain %q, got:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, `"logins" integer NOT NULL`) {
		t.Errorf("Expected logins to be nullable, got:\n%s", sql)
	}
}

func TestGenerator_CreateTableCompositeKey(t *testing.T) {
	gen := NewGenerator()

	sql := gen.CreateTable(database.Table{
		Name: "memberships",
		Columns: []database.Column{
			{Name: "user_id", Type: "integer", IsPrimaryKey: true},
			{Name: "team_id", Type: "integer", IsPrimaryKey: true},
		},
	})

	if strings.Contains(sql, "NOT NULL PRIMARY KEY") {
		t.Errorf("Composite keys must not be declared per column, got:\n%s", sql)
	}
	if !strings.Contains(sql, `PRIMARY KEY ("user_id", "team_id")`) {
		t.Errorf("Expected table-level primary key, got:\n%s", sql)
	}
}

func TestGenerator_AddForeignKey(t *testing.T) {
	gen := NewGenerator()

	onDelete := "CASCADE"
	sql := gen.AddForeignKey("posts", database.ForeignKey{
		Name:              "fk_posts_user",
		Columns:           []string{"user_id"},
		ReferencedTable:   "users",
		ReferencedColumns: []string{"id"},
		OnDelete:          &onDelete,
	})

	expected := `ALTER TABLE "posts" ADD CONSTRAINT "fk_posts_user" FOREIGN KEY ("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`
	if sql != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, sql)
	}
}

func TestGenerator_AddIndexPrefersDefinition(t *testing.T) {
	gen := NewGenerator()

	def := "CREATE INDEX idx_lower_email ON public.users USING btree (lower(email))"
	if got := gen.AddIndex("users", database.Index{Name: "idx_lower_email", Definition: def}); got != def {
		t.Errorf("Expected definition to be replayed verbatim, got: %s", got)
	}

	got := gen.AddIndex("users", database.Index{Name: "idx_email", Columns: []string{"email"}, Unique: true})
	if got != `CREATE UNIQUE INDEX "idx_email" ON "users" ("email")` {
		t.Errorf("Unexpected index SQL: %s", got)
	}
}

func TestGenerator_CloneStatementsOrder(t *testing.T) {
	gen := NewGenerator()

	tables := []database.Table{
		{
			Name:    "posts",
			Columns: []database.Column{{Name: "id", Type: "integer", IsPrimaryKey: true}, {Name: "user_id", Type: "integer", Nullable: true}},
			ForeignKeys: []database.ForeignKey{{
				Name: "fk_posts_user", Columns: []string{"user_id"}, ReferencedTable: "users", ReferencedColumns: []string{"id"},
			}},
			Indexes: []database.Index{{Name: "idx_posts_user", Columns: []string{"user_id"}}},
		},
		{
			Name:        "users",
			Columns:     []database.Column{{Name: "id", Type: "integer", IsPrimaryKey: true}},
			Constraints: []string{`ALTER TABLE users ADD CONSTRAINT users_id_check CHECK (id > 0)`},
		},
	}

	creates, constraints := gen.CloneStatements(tables)
	if len(creates) != 2 {
		t.Fatalf("Expected 2 CREATE TABLE statements, got %d", len(creates))
	}
	if len(constraints) != 3 {
		t.Fatalf("Expected 3 constraint statements, got %d", len(constraints))
	}
	if !strings.Contains(constraints[0], "CHECK") {
		t.Errorf("Table constraints must come first, got %q", constraints)
	}
	if !strings.Contains(constraints[1], "FOREIGN KEY") || !strings.HasPrefix(constraints[2], "CREATE INDEX") {
		t.Errorf("Foreign keys must precede indexes, got %q", constraints)
	}
}

func TestWithDatabase(t *testing.T) {
	tests := []struct {
		dsn      string
		expected string
	}{
		{"postgres://u:p@localhost:5432/app?sslmode=disable", "postgres://u:p@localhost:5432/sbx?sslmode=disable"},
		{"postgresql://localhost/app", "postgresql://localhost/sbx"},
		{"host=localhost dbname=app user=u", "host=localhost dbname=sbx user=u"},
		{"host=localhost user=u", "host=localhost user=u dbname=sbx"},
	}

	for _, tt := range tests {
		got, err := withDatabase(tt.dsn, "sbx")
		if err != nil {
			t.Fatalf("withDatabase(%q) error: %v", tt.dsn, err)
		}
		if got != tt.expected {
			t.Errorf("withDatabase(%q) = %q, want %q", tt.dsn, got, tt.expected)
		}
	}
}

func TestNormalizeDSN(t *testing.T) {
	if got := normalizeDSN("postgres://localhost/app"); got != "postgres://localhost/app?sslmode=disable" {
		t.Errorf("local url = %q", got)
	}
	if got := normalizeDSN("postgres://db.example.com/app"); got != "postgres://db.example.com/app" {
		t.Errorf("remote url = %q", got)
	}
	if got := normalizeDSN("postgres://localhost/app?sslmode=require"); got != "postgres://localhost/app?sslmode=require" {
		t.Errorf("explicit sslmode = %q", got)
	}
}
