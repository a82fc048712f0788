package locks

import (
	"fmt"
	"regexp"
	"strings"
)

// SaferRewrite is a lock-friendlier way to make the same change.
type SaferRewrite struct {
	Description string

	// SQL is the rewritten statement(s), empty when only advice is possible.
	SQL []string

	LockMode LockMode

	// RequiresSeparateMigration is set when the rewrite cannot run inside
	// the transaction a migration is applied in.
	RequiresSeparateMigration bool
}

// GenerateSaferRewrite returns a safer alternative for statement, or nil.
func GenerateSaferRewrite(statement string) *SaferRewrite {
	sql := strings.TrimSpace(statement)
	if sql == "" {
		return nil
	}
	sqlUpper := strings.ToUpper(sql)

	if rewrite := rewriteCreateIndex(sql, sqlUpper); rewrite != nil {
		return rewrite
	}
	if rewrite := rewriteAddConstraint(sql, sqlUpper); rewrite != nil {
		return rewrite
	}
	return suggestAlterType(sql, sqlUpper)
}

var (
	createIndexRe       = regexp.MustCompile(`(?i)^(CREATE\s+INDEX)`)
	createUniqueIndexRe = regexp.MustCompile(`(?i)^(CREATE\s+UNIQUE\s+INDEX)`)
	constraintNameRe    = regexp.MustCompile(`(?i)ADD\s+CONSTRAINT\s+"?(\w+)"?\s+`)
	alterColumnNameRe   = regexp.MustCompile(`(?i)ALTER\s+COLUMN\s+"?(\w+)"?`)
)

func rewriteCreateIndex(sql, sqlUpper string) *SaferRewrite {
	if strings.Contains(sqlUpper, "CONCURRENTLY") {
		return nil
	}

	var rewritten string
	switch {
	case strings.HasPrefix(sqlUpper, "CREATE UNIQUE INDEX"):
		rewritten = createUniqueIndexRe.ReplaceAllString(sql, "$1 CONCURRENTLY")
	case strings.HasPrefix(sqlUpper, "CREATE INDEX"):
		rewritten = createIndexRe.ReplaceAllString(sql, "$1 CONCURRENTLY")
	default:
		return nil
	}

	return &SaferRewrite{
		Description:               "Use CREATE INDEX CONCURRENTLY to avoid blocking writes",
		SQL:                       []string{rewritten},
		LockMode:                  LockShareUpdateExclusive,
		RequiresSeparateMigration: true,
	}
}

func rewriteAddConstraint(sql, sqlUpper string) *SaferRewrite {
	if !strings.HasPrefix(sqlUpper, "ALTER TABLE") || !strings.Contains(sqlUpper, "ADD CONSTRAINT") {
		return nil
	}
	if strings.Contains(sqlUpper, "NOT VALID") || strings.Contains(sqlUpper, "VALIDATE CONSTRAINT") {
		return nil
	}
	// Only CHECK and FOREIGN KEY constraints accept NOT VALID.
	if !strings.Contains(sqlUpper, "CHECK") && !strings.Contains(sqlUpper, "FOREIGN KEY") {
		return nil
	}

	table := targetTable(sql)
	m := constraintNameRe.FindStringSubmatch(sql)
	if table == "" || m == nil {
		return nil
	}

	return &SaferRewrite{
		Description: "Add the constraint NOT VALID, then VALIDATE it in a later migration",
		SQL: []string{
			strings.TrimSuffix(sql, ";") + " NOT VALID",
			fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", table, m[1]),
		},
		LockMode:                  LockShareUpdateExclusive,
		RequiresSeparateMigration: true,
	}
}

func suggestAlterType(sql, sqlUpper string) *SaferRewrite {
	if !strings.HasPrefix(sqlUpper, "ALTER TABLE") || !strings.Contains(sqlUpper, "ALTER COLUMN") ||
		!strings.Contains(sqlUpper, " TYPE ") {
		return nil
	}
	table := targetTable(sql)
	m := alterColumnNameRe.FindStringSubmatch(sql)
	if table == "" || m == nil {
		return nil
	}
	return &SaferRewrite{
		Description: fmt.Sprintf("Add a new column for %s.%s, backfill it, then swap readers over before dropping the old one",
			table, m[1]),
		LockMode:                  LockShareUpdateExclusive,
		RequiresSeparateMigration: true,
	}
}
