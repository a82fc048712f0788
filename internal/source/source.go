// Package source discovers migration scripts on disk.
//
// A migration is a file named NNN_description.sql, optionally paired with
// NNN_description_rollback.sql. The leading comment block may declare
// dependencies and target dialects:
//
//	-- Dependencies: 001, 003
//	-- Database: postgresql
package source

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/errdefs"
)

// Descriptor is an immutable view of one migration file. It is rebuilt from
// disk on every scan and never persisted.
type Descriptor struct {
	Number       int
	Name         string
	FilePath     string
	DialectHints []database.Dialect
	DependsOn    []int
	Content      string

	// RollbackPath is empty when the migration has no rollback script.
	RollbackPath    string
	RollbackContent string
}

// FileName returns the base name of the migration file.
func (d Descriptor) FileName() string {
	return filepath.Base(d.FilePath)
}

// Label renders the migration as "NNN_name".
func (d Descriptor) Label() string {
	return Label(d.Number, d.Name)
}

// Label renders a migration number and name as "NNN_name".
func Label(number int, name string) string {
	return errdefs.FormatNumber(number) + "_" + name
}

// HasRollback reports whether a rollback script is paired with the migration.
func (d Descriptor) HasRollback() bool {
	return d.RollbackPath != ""
}

// Targets reports whether the migration should run on dialect. Migrations
// without a Database header run everywhere.
func (d Descriptor) Targets(dialect database.Dialect) bool {
	if len(d.DialectHints) == 0 {
		return true
	}
	for _, h := range d.DialectHints {
		if h == dialect {
			return true
		}
	}
	return false
}

var (
	migrationFileRe = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.sql$`)
	numberPrefixRe  = regexp.MustCompile(`^\d+`)
)

const rollbackSuffix = "_rollback"

// Catalog is the result of a directory scan. Malformed holds one
// *errdefs.MalformedNameError per offending file.
type Catalog struct {
	Descriptors []Descriptor
	Malformed   []error
}

// Err joins the malformed-name errors, or returns nil.
func (c *Catalog) Err() error {
	return errors.Join(c.Malformed...)
}

// Find returns the descriptor with number n. When several files share the
// number, the first in name order is returned.
func (c *Catalog) Find(n int) (Descriptor, bool) {
	for _, d := range c.Descriptors {
		if d.Number == n {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Lookup resolves a user-supplied reference: a number ("7", "007"), a bare
// name ("add_users") or a file name ("007_add_users.sql").
func (c *Catalog) Lookup(ref string) (Descriptor, error) {
	ref = strings.TrimSuffix(strings.TrimSpace(filepath.Base(ref)), ".sql")
	if n, err := strconv.Atoi(ref); err == nil {
		if d, ok := c.Find(n); ok {
			return d, nil
		}
		return Descriptor{}, &errdefs.NotFoundError{Ref: ref}
	}
	for _, d := range c.Descriptors {
		if d.Name == ref || d.Label() == ref {
			return d, nil
		}
	}
	return Descriptor{}, &errdefs.NotFoundError{Ref: ref}
}

// Reader scans a migrations directory.
type Reader struct {
	fs  afero.Fs
	dir string
}

// NewReader reads migrations from dir on fsys.
func NewReader(fsys afero.Fs, dir string) *Reader {
	return &Reader{fs: fsys, dir: dir}
}

// NewOSReader reads migrations from dir on the local file system.
func NewOSReader(dir string) *Reader {
	return NewReader(afero.NewOsFs(), dir)
}

// Dir returns the scanned directory.
func (r *Reader) Dir() string { return r.dir }

// List returns all migration descriptors sorted by number. Any malformed
// file name fails the whole listing.
func (r *Reader) List() ([]Descriptor, error) {
	catalog, err := r.Scan()
	if err != nil {
		return nil, err
	}
	if err := catalog.Err(); err != nil {
		return nil, err
	}
	return catalog.Descriptors, nil
}

// Scan reads the directory and returns well-formed descriptors together
// with malformed-name errors, so read-only views can still render.
func (r *Reader) Scan() (*Catalog, error) {
	entries, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("migrations directory %s: %w", r.dir, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", r.dir, err)
	}

	catalog := &Catalog{}
	primaries := map[string]*Descriptor{}
	var order []string
	rollbacks := map[string]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".sql") {
			continue
		}
		path := filepath.Join(r.dir, name)

		m := migrationFileRe.FindStringSubmatch(name)
		if m == nil {
			if numberPrefixRe.MatchString(name) {
				catalog.Malformed = append(catalog.Malformed, &errdefs.MalformedNameError{
					Path:   path,
					Reason: malformedReason(name),
				})
			}
			continue
		}

		if m[1] == "000" {
			catalog.Malformed = append(catalog.Malformed, &errdefs.MalformedNameError{
				Path:   path,
				Reason: "number must be positive",
			})
			continue
		}

		if strings.HasSuffix(m[2], rollbackSuffix) {
			rollbacks[m[1]+"_"+strings.TrimSuffix(m[2], rollbackSuffix)] = path
			continue
		}

		number, _ := strconv.Atoi(m[1])
		content, err := afero.ReadFile(r.fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", path, err)
		}

		d := &Descriptor{
			Number:   number,
			Name:     m[2],
			FilePath: path,
			Content:  string(content),
		}
		parseHeaders(d)

		key := m[1] + "_" + m[2]
		primaries[key] = d
		order = append(order, key)
	}

	for key, path := range rollbacks {
		d, ok := primaries[key]
		if !ok {
			catalog.Malformed = append(catalog.Malformed, &errdefs.MalformedNameError{
				Path:   path,
				Reason: "rollback script has no matching migration " + key + ".sql",
			})
			continue
		}
		content, err := afero.ReadFile(r.fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rollback %s: %w", path, err)
		}
		d.RollbackPath = path
		d.RollbackContent = string(content)
	}

	for _, key := range order {
		catalog.Descriptors = append(catalog.Descriptors, *primaries[key])
	}
	sort.SliceStable(catalog.Descriptors, func(i, j int) bool {
		a, b := catalog.Descriptors[i], catalog.Descriptors[j]
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Name < b.Name
	})
	sort.SliceStable(catalog.Malformed, func(i, j int) bool {
		return catalog.Malformed[i].Error() < catalog.Malformed[j].Error()
	})

	return catalog, nil
}

func malformedReason(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	digits := numberPrefixRe.FindString(base)
	rest := base[len(digits):]
	switch {
	case len(digits) != 3:
		return fmt.Sprintf("number must have exactly 3 digits, got %q", digits)
	case rest == "":
		return "number must be followed by an underscore and a description"
	case rest[0] != '_':
		return "number must be followed by an underscore"
	case filepath.Ext(name) != ".sql":
		return "extension must be lowercase .sql"
	case rest == "_":
		return "description is empty"
	}
	return "description may only contain lowercase letters, digits and underscores"
}

var (
	dependenciesRe = regexp.MustCompile(`(?i)^--\s*depend(?:s|encies)(?:\s+on)?\s*:\s*(.*)$`)
	databaseRe     = regexp.MustCompile(`(?i)^--\s*(?:database|dialect)s?\s*:\s*(.*)$`)
	listSplitRe    = regexp.MustCompile(`[\s,]+`)
)

// parseHeaders reads the leading comment block. Unparseable values are
// ignored; headers are advisory.
func parseHeaders(d *Descriptor) {
	for _, line := range strings.Split(d.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}

		if m := dependenciesRe.FindStringSubmatch(line); m != nil {
			for _, tok := range listSplitRe.Split(strings.TrimSpace(m[1]), -1) {
				tok = strings.TrimSuffix(tok, ".sql")
				if i := strings.IndexByte(tok, '_'); i > 0 {
					tok = tok[:i]
				}
				n, err := strconv.Atoi(tok)
				if err != nil || containsInt(d.DependsOn, n) {
					continue
				}
				d.DependsOn = append(d.DependsOn, n)
			}
			continue
		}

		if m := databaseRe.FindStringSubmatch(line); m != nil {
			for _, tok := range listSplitRe.Split(strings.TrimSpace(m[1]), -1) {
				dialect, err := database.ParseDialect(tok)
				if err != nil {
					continue
				}
				if !containsDialect(d.DialectHints, dialect) {
					d.DialectHints = append(d.DialectHints, dialect)
				}
			}
		}
	}
	sort.Ints(d.DependsOn)
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

func containsDialect(list []database.Dialect, d database.Dialect) bool {
	for _, v := range list {
		if v == d {
			return true
		}
	}
	return false
}
