package locks

import (
	"strings"
	"testing"
)

func TestDetectLockMode(t *testing.T) {
	tests := []struct {
		name         string
		sql          string
		expectedLock LockMode
	}{
		// CREATE INDEX patterns
		{
			name:         "CREATE INDEX (non-concurrent)",
			sql:          "CREATE INDEX idx_users_email ON users(email)",
			expectedLock: LockShare,
		},
		{
			name:         "CREATE UNIQUE INDEX CONCURRENTLY",
			sql:          "CREATE UNIQUE INDEX CONCURRENTLY idx_users_email ON users(email)",
			expectedLock: LockShareUpdateExclusive,
		},

		// ALTER TABLE patterns
		{
			name:         "ALTER TABLE ADD COLUMN",
			sql:          "ALTER TABLE users ADD COLUMN email TEXT",
			expectedLock: LockAccessExclusive,
		},
		{
			name:         "ALTER TABLE ADD CONSTRAINT NOT VALID",
			sql:          "ALTER TABLE users ADD CONSTRAINT check_positive CHECK (amount > 0) NOT VALID",
			expectedLock: LockAccessExclusive,
		},
		{
			name:         "ALTER TABLE VALIDATE CONSTRAINT",
			sql:          "ALTER TABLE users VALIDATE CONSTRAINT check_positive",
			expectedLock: LockShareUpdateExclusive,
		},

		// DROP patterns
		{
			name:         "DROP TABLE",
			sql:          "DROP TABLE users",
			expectedLock: LockAccessExclusive,
		},
		{
			name:         "DROP INDEX CONCURRENTLY",
			sql:          "DROP INDEX CONCURRENTLY idx_users_email",
			expectedLock: LockShareUpdateExclusive,
		},
		{
			name:         "TRUNCATE",
			sql:          "TRUNCATE TABLE users",
			expectedLock: LockAccessExclusive,
		},

		{
			name:         "CREATE TABLE",
			sql:          "CREATE TABLE users (id BIGINT PRIMARY KEY)",
			expectedLock: LockAccessShare,
		},
		{
			name:         "INSERT",
			sql:          "INSERT INTO users (email) VALUES ('test@example.com')",
			expectedLock: LockRowExclusive,
		},
		{
			name:         "CREATE SEQUENCE",
			sql:          "CREATE SEQUENCE invoice_numbers",
			expectedLock: LockAccessShare,
		},

		// Edge cases
		{
			name:         "Empty SQL",
			sql:          "",
			expectedLock: LockAccessShare,
		},
		{
			name:         "Lowercase SQL",
			sql:          "alter table users add column email text",
			expectedLock: LockAccessExclusive,
		},
		{
			name:         "Mixed case SQL",
			sql:          "Create Index Concurrently idx_email ON users(email)",
			expectedLock: LockShareUpdateExclusive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectLockMode(tt.sql)
			if got != tt.expectedLock {
				t.Errorf("DetectLockMode() = %v (%s), want %v (%s)",
					got, got.String(), tt.expectedLock, tt.expectedLock.String())
			}
		})
	}
}

func TestAnalyzeLockImpact(t *testing.T) {
	tests := []struct {
		name                 string
		sql                  string
		expectedTable        string
		expectedBlocksReads  bool
		expectedBlocksWrites bool
		expectedImpact       ImpactLevel
	}{
		{
			name:                 "CREATE INDEX blocks writes",
			sql:                  "CREATE INDEX idx_users_email ON public.users (email)",
			expectedTable:        "users",
			expectedBlocksWrites: true,
			expectedImpact:       ImpactMedium,
		},
		{
			name:                 "ALTER TABLE blocks everything",
			sql:                  `ALTER TABLE ONLY "Orders" ADD COLUMN note TEXT`,
			expectedTable:        "orders",
			expectedBlocksReads:  true,
			expectedBlocksWrites: true,
			expectedImpact:       ImpactHigh,
		},
		{
			name:           "SELECT blocks nothing",
			sql:            "SELECT * FROM users",
			expectedImpact: ImpactNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			impact := AnalyzeLockImpact(tt.sql)
			if impact.Table != tt.expectedTable {
				t.Errorf("Table = %q, want %q", impact.Table, tt.expectedTable)
			}
			if impact.BlocksReads != tt.expectedBlocksReads {
				t.Errorf("BlocksReads = %v, want %v", impact.BlocksReads, tt.expectedBlocksReads)
			}
			if impact.BlocksWrites != tt.expectedBlocksWrites {
				t.Errorf("BlocksWrites = %v, want %v", impact.BlocksWrites, tt.expectedBlocksWrites)
			}
			if impact.Impact != tt.expectedImpact {
				t.Errorf("Impact = %v, want %v", impact.Impact, tt.expectedImpact)
			}
			if impact.Explanation == "" {
				t.Error("Explanation should not be empty")
			}
		})
	}
}

func TestAnalyzeStatementsKeepsOrder(t *testing.T) {
	impacts := AnalyzeStatements([]string{
		"CREATE TABLE a (id int)",
		"ALTER TABLE b DROP COLUMN c",
	})
	if len(impacts) != 2 {
		t.Fatalf("expected 2 impacts, got %d", len(impacts))
	}
	if impacts[1].Table != "b" || !strings.Contains(impacts[1].Explanation, "DROP COLUMN") {
		t.Errorf("unexpected second impact: %+v", impacts[1])
	}
}

func TestLockModeProperties(t *testing.T) {
	tests := []struct {
		mode         LockMode
		name         string
		blocksReads  bool
		blocksWrites bool
		impact       ImpactLevel
	}{
		{LockAccessShare, "ACCESS SHARE", false, false, ImpactNone},
		{LockRowShare, "ROW SHARE", false, false, ImpactNone},
		{LockRowExclusive, "ROW EXCLUSIVE", false, false, ImpactNone},
		{LockShareUpdateExclusive, "SHARE UPDATE EXCLUSIVE", false, false, ImpactLow},
		{LockShare, "SHARE", false, true, ImpactMedium},
		{LockShareRowExclusive, "SHARE ROW EXCLUSIVE", false, true, ImpactHigh},
		{LockExclusive, "EXCLUSIVE", false, true, ImpactHigh},
		{LockAccessExclusive, "ACCESS EXCLUSIVE", true, true, ImpactHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mode.String(); got != tt.name {
				t.Errorf("String() = %v, want %v", got, tt.name)
			}
			if got := tt.mode.BlocksReads(); got != tt.blocksReads {
				t.Errorf("BlocksReads() = %v, want %v", got, tt.blocksReads)
			}
			if got := tt.mode.BlocksWrites(); got != tt.blocksWrites {
				t.Errorf("BlocksWrites() = %v, want %v", got, tt.blocksWrites)
			}
			if got := tt.mode.ImpactLevel(); got != tt.impact {
				t.Errorf("ImpactLevel() = %v, want %v", got, tt.impact)
			}
		})
	}
}

func TestLockImpact_RequiresSaferAlternative(t *testing.T) {
	tests := []struct {
		impact   ImpactLevel
		expected bool
	}{
		{ImpactNone, false},
		{ImpactLow, false},
		{ImpactMedium, true},
		{ImpactHigh, true},
	}

	for _, tt := range tests {
		t.Run(tt.impact.String(), func(t *testing.T) {
			li := &LockImpact{Impact: tt.impact}
			if got := li.RequiresSaferAlternative(); got != tt.expected {
				t.Errorf("RequiresSaferAlternative() = %v, want %v", got, tt.expected)
			}
		})
	}
	if got := LockMode(42).String(); got != "UNKNOWN" {
		t.Errorf("out of range mode = %q", got)
	}
}
