// Package locks estimates which PostgreSQL table lock a DDL statement takes
// and how disruptive that lock is for concurrent traffic.
package locks

// LockMode is a PostgreSQL table-level lock mode, weakest first.
type LockMode int

const (
	LockAccessShare LockMode = iota
	LockRowShare
	LockRowExclusive
	LockShareUpdateExclusive
	LockShare
	LockShareRowExclusive
	LockExclusive
	LockAccessExclusive
)

var lockModeNames = [...]string{
	LockAccessShare:          "ACCESS SHARE",
	LockRowShare:             "ROW SHARE",
	LockRowExclusive:         "ROW EXCLUSIVE",
	LockShareUpdateExclusive: "SHARE UPDATE EXCLUSIVE",
	LockShare:                "SHARE",
	LockShareRowExclusive:    "SHARE ROW EXCLUSIVE",
	LockExclusive:            "EXCLUSIVE",
	LockAccessExclusive:      "ACCESS EXCLUSIVE",
}

func (m LockMode) String() string {
	if m < 0 || int(m) >= len(lockModeNames) {
		return "UNKNOWN"
	}
	return lockModeNames[m]
}

// BlocksReads reports whether plain SELECTs queue behind the lock.
func (m LockMode) BlocksReads() bool { return m == LockAccessExclusive }

// BlocksWrites reports whether INSERT, UPDATE and DELETE queue behind it.
func (m LockMode) BlocksWrites() bool { return m >= LockShare }

// ImpactLevel grades the lock for a table under live traffic.
func (m LockMode) ImpactLevel() ImpactLevel {
	switch {
	case m <= LockRowExclusive:
		return ImpactNone
	case m == LockShareUpdateExclusive:
		return ImpactLow
	case m == LockShare:
		return ImpactMedium
	}
	return ImpactHigh
}

// ImpactLevel grades how disruptive a lock is.
type ImpactLevel int

const (
	ImpactNone ImpactLevel = iota
	ImpactLow
	ImpactMedium
	ImpactHigh
)

var impactNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH"}

func (l ImpactLevel) String() string {
	if l < 0 || int(l) >= len(impactNames) {
		return "UNKNOWN"
	}
	return impactNames[l]
}

// LockImpact is the lock one migration statement takes.
type LockImpact struct {
	Statement    string
	Table        string
	LockMode     LockMode
	BlocksReads  bool
	BlocksWrites bool
	Impact       ImpactLevel
	Explanation  string
}

// RequiresSaferAlternative reports whether the statement blocks writes to
// its table, in which case the sandbox suggests a rewrite.
func (li *LockImpact) RequiresSaferAlternative() bool {
	return li.Impact >= ImpactMedium
}
