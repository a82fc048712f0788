package locks

import (
	"regexp"
	"strings"
)

// DetectLockMode returns the table lock a single SQL statement acquires.
func DetectLockMode(statement string) LockMode {
	sqlUpper := strings.ToUpper(strings.TrimSpace(statement))
	if sqlUpper == "" {
		return LockAccessShare
	}

	// CREATE INDEX patterns
	if strings.HasPrefix(sqlUpper, "CREATE INDEX") || strings.HasPrefix(sqlUpper, "CREATE UNIQUE INDEX") {
		if strings.Contains(sqlUpper, "CONCURRENTLY") {
			return LockShareUpdateExclusive
		}
		return LockShare
	}

	if strings.HasPrefix(sqlUpper, "ALTER TABLE") {
		// ADD CONSTRAINT ... NOT VALID still takes a brief ACCESS EXCLUSIVE
		if strings.Contains(sqlUpper, "ADD CONSTRAINT") {
			return LockAccessExclusive
		}
		if strings.Contains(sqlUpper, "VALIDATE CONSTRAINT") {
			return LockShareUpdateExclusive
		}
		return LockAccessExclusive
	}

	if strings.HasPrefix(sqlUpper, "DROP TABLE") ||
		strings.HasPrefix(sqlUpper, "DROP INDEX") ||
		strings.HasPrefix(sqlUpper, "TRUNCATE") {
		if strings.HasPrefix(sqlUpper, "DROP INDEX CONCURRENTLY") {
			return LockShareUpdateExclusive
		}
		return LockAccessExclusive
	}

	// The table does not exist yet, so nobody can be waiting on it.
	if strings.HasPrefix(sqlUpper, "CREATE TABLE") {
		return LockAccessShare
	}

	if strings.HasPrefix(sqlUpper, "INSERT") ||
		strings.HasPrefix(sqlUpper, "UPDATE") ||
		strings.HasPrefix(sqlUpper, "DELETE") {
		return LockRowExclusive
	}

	if strings.HasPrefix(sqlUpper, "SELECT") {
		return LockAccessShare
	}

	if strings.HasPrefix(sqlUpper, "CREATE") || strings.HasPrefix(sqlUpper, "COMMENT") ||
		strings.HasPrefix(sqlUpper, "GRANT") || strings.HasPrefix(sqlUpper, "SET") {
		return LockAccessShare
	}

	return LockAccessExclusive
}

// AnalyzeLockImpact returns detailed lock information for one statement.
func AnalyzeLockImpact(statement string) *LockImpact {
	mode := DetectLockMode(statement)
	return &LockImpact{
		Statement:    strings.TrimSpace(statement),
		Table:        targetTable(statement),
		LockMode:     mode,
		BlocksReads:  mode.BlocksReads(),
		BlocksWrites: mode.BlocksWrites(),
		Impact:       mode.ImpactLevel(),
		Explanation:  explainLockMode(statement, mode),
	}
}

// AnalyzeStatements analyzes each statement of a migration in order.
func AnalyzeStatements(statements []string) []*LockImpact {
	impacts := make([]*LockImpact, 0, len(statements))
	for _, stmt := range statements {
		impacts = append(impacts, AnalyzeLockImpact(stmt))
	}
	return impacts
}

func explainLockMode(statement string, mode LockMode) string {
	sqlUpper := strings.ToUpper(strings.TrimSpace(statement))

	switch mode {
	case LockAccessExclusive:
		if strings.Contains(sqlUpper, "ALTER TABLE") {
			switch {
			case strings.Contains(sqlUpper, "ADD COLUMN") && strings.Contains(sqlUpper, "DEFAULT"):
				return "ALTER TABLE ADD COLUMN with DEFAULT may rewrite the entire table"
			case strings.Contains(sqlUpper, "DROP COLUMN"):
				return "DROP COLUMN requires exclusive access to modify table structure"
			case strings.Contains(sqlUpper, "ALTER COLUMN") && strings.Contains(sqlUpper, " TYPE "):
				return "Changing column type may require rewriting the entire table"
			case strings.Contains(sqlUpper, "ADD CONSTRAINT") && !strings.Contains(sqlUpper, "NOT VALID"):
				return "ADD CONSTRAINT scans all existing rows to validate the constraint"
			}
			return "ALTER TABLE operation requires exclusive access"
		}
		if strings.Contains(sqlUpper, "DROP TABLE") {
			return "DROP TABLE requires exclusive access to remove the table"
		}
		if strings.Contains(sqlUpper, "TRUNCATE") {
			return "TRUNCATE requires exclusive access to delete all rows"
		}
		return "This operation requires exclusive table access"

	case LockShare:
		return "CREATE INDEX blocks writes for the whole index build"

	case LockShareUpdateExclusive:
		return "This operation allows concurrent reads and writes"

	case LockRowExclusive:
		return "Normal DML operation (INSERT/UPDATE/DELETE)"
	}
	return "Read-only or catalog-only operation"
}

var (
	alterTableNameRe = regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(?:ONLY\s+)?(?:IF\s+EXISTS\s+)?(?:"?\w+"?\.)?"?(\w+)"?`)
	onTableNameRe    = regexp.MustCompile(`(?i)\sON\s+(?:ONLY\s+)?(?:"?\w+"?\.)?"?(\w+)"?`)
	dropTableNameRe  = regexp.MustCompile(`(?i)^\s*(?:DROP\s+TABLE|TRUNCATE(?:\s+TABLE)?)\s+(?:IF\s+EXISTS\s+)?(?:"?\w+"?\.)?"?(\w+)"?`)
)

// targetTable returns the table a statement locks, or "" if unknown.
func targetTable(statement string) string {
	upper := strings.ToUpper(strings.TrimSpace(statement))
	var re *regexp.Regexp
	switch {
	case strings.HasPrefix(upper, "ALTER TABLE"):
		re = alterTableNameRe
	case strings.HasPrefix(upper, "CREATE INDEX"), strings.HasPrefix(upper, "CREATE UNIQUE INDEX"):
		re = onTableNameRe
	case strings.HasPrefix(upper, "DROP TABLE"), strings.HasPrefix(upper, "TRUNCATE"):
		re = dropTableNameRe
	default:
		return ""
	}
	if m := re.FindStringSubmatch(statement); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}
