package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "introspect.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT DEFAULT 'anon'
		);
		CREATE TABLE posts (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			title TEXT
		);
		CREATE INDEX idx_posts_user ON posts (user_id);
		CREATE INDEX idx_posts_title ON posts (lower(title));
		CREATE VIEW post_titles AS SELECT title FROM posts;
	`)
	if err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

func TestIntrospector_GetTables(t *testing.T) {
	db := setupTestDB(t)

	tables, err := NewIntrospector().GetTables(context.Background(), db)
	if err != nil {
		t.Fatalf("GetTables failed: %v", err)
	}
	if len(tables) != 2 || tables[0] != "posts" || tables[1] != "users" {
		t.Errorf("Expected [posts users], got %v", tables)
	}
}

func TestIntrospector_GetColumns(t *testing.T) {
	db := setupTestDB(t)

	columns, err := NewIntrospector().GetColumns(context.Background(), db, "users")
	if err != nil {
		t.Fatalf("GetColumns failed: %v", err)
	}
	if len(columns) != 3 {
		t.Fatalf("Expected 3 columns, got %d", len(columns))
	}

	if !columns[0].IsPrimaryKey {
		t.Error("Expected id to be primary key")
	}
	if columns[1].Nullable {
		t.Error("Expected email to be NOT NULL")
	}
	if columns[2].Default == nil || *columns[2].Default != "'anon'" {
		t.Errorf("Expected name default 'anon', got %v", columns[2].Default)
	}
}

func TestIntrospector_GetIndexes(t *testing.T) {
	db := setupTestDB(t)

	indexes, err := NewIntrospector().GetIndexes(context.Background(), db, "posts")
	if err != nil {
		t.Fatalf("GetIndexes failed: %v", err)
	}
	if len(indexes) != 2 {
		t.Fatalf("Expected 2 indexes, got %d: %+v", len(indexes), indexes)
	}

	byName := map[string]int{}
	for i, idx := range indexes {
		byName[idx.Name] = i
		if idx.Definition == "" {
			t.Errorf("Expected definition for %s", idx.Name)
		}
	}
	userIdx := indexes[byName["idx_posts_user"]]
	if len(userIdx.Columns) != 1 || userIdx.Columns[0] != "user_id" {
		t.Errorf("Unexpected columns %v", userIdx.Columns)
	}
	if exprIdx := indexes[byName["idx_posts_title"]]; len(exprIdx.Columns) != 0 {
		t.Errorf("Expression index should have no named columns, got %v", exprIdx.Columns)
	}

	// The UNIQUE constraint's automatic index is part of the table definition.
	userIndexes, err := NewIntrospector().GetIndexes(context.Background(), db, "users")
	if err != nil {
		t.Fatalf("GetIndexes failed: %v", err)
	}
	if len(userIndexes) != 0 {
		t.Errorf("Expected no explicit indexes on users, got %+v", userIndexes)
	}
}

func TestIntrospector_GetForeignKeys(t *testing.T) {
	db := setupTestDB(t)

	fks, err := NewIntrospector().GetForeignKeys(context.Background(), db, "posts")
	if err != nil {
		t.Fatalf("GetForeignKeys failed: %v", err)
	}
	if len(fks) != 1 {
		t.Fatalf("Expected 1 foreign key, got %d", len(fks))
	}
	fk := fks[0]
	if fk.ReferencedTable != "users" || len(fk.Columns) != 1 || fk.Columns[0] != "user_id" {
		t.Errorf("Unexpected foreign key %+v", fk)
	}
	if fk.OnDelete == nil || *fk.OnDelete != "CASCADE" {
		t.Errorf("Expected ON DELETE CASCADE, got %v", fk.OnDelete)
	}
}

func TestIntrospector_GetObjects(t *testing.T) {
	db := setupTestDB(t)

	views, err := NewIntrospector().GetObjects(context.Background(), db, "view")
	if err != nil {
		t.Fatalf("GetObjects failed: %v", err)
	}
	if len(views) != 1 || views[0].Name != "post_titles" || views[0].Table != "post_titles" {
		t.Errorf("Unexpected views %+v", views)
	}
}
