// Package errdefs defines the typed errors returned by ratchet.
//
// Every error names the migration(s) it concerns and carries a remediation
// hint. Callers inspect them with errors.As and errors.Is; the CLI prints
// the hint underneath the message.
package errdefs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinels for errors.Is checks across wrapped chains.
var (
	ErrConflict        = errors.New("migration conflict")
	ErrDrift           = errors.New("applied migration changed on disk")
	ErrLockContention  = errors.New("migration lock is held by another process")
	ErrTimeout         = errors.New("migration timed out")
	ErrNotConfirmed    = errors.New("operation requires confirmation")
	ErrNotFound        = errors.New("migration not found")
	ErrUnsupported     = errors.New("operation not supported by dialect")
	ErrSandboxFailed   = errors.New("sandbox test failed")
	ErrExecutionFailed = errors.New("migration execution failed")
)

// Hinter is implemented by every error in this package.
type Hinter interface {
	Hint() string
}

// Hint returns the remediation hint of the first error in err's chain that
// has one, or "" when none does.
func Hint(err error) string {
	var h Hinter
	if errors.As(err, &h) {
		return h.Hint()
	}
	return ""
}

// Hints collects the distinct hints of every error joined into err.
func Hints(err error) []string {
	var hints []string
	seen := map[string]bool{}
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		if h := Hint(e); h != "" && !seen[h] {
			seen[h] = true
			hints = append(hints, h)
		}
	}
	walk(err)
	return hints
}

// IsRetryable reports whether the operation that produced err may succeed
// if simply tried again later.
func IsRetryable(err error) bool {
	var lock *LockContentionError
	if errors.As(err, &lock) {
		return true
	}
	var dup *DuplicateActiveApplyError
	return errors.As(err, &dup)
}

// FormatNumber renders a migration number the way files name it.
func FormatNumber(n int) string {
	return fmt.Sprintf("%03d", n)
}

func formatNumbers(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = FormatNumber(n)
	}
	return strings.Join(parts, ", ")
}

// MalformedNameError reports a file that looks like a migration but does not
// follow NNN_description.sql.
type MalformedNameError struct {
	Path   string
	Reason string
}

func (e *MalformedNameError) Error() string {
	return fmt.Sprintf("malformed migration file name %q: %s", e.Path, e.Reason)
}

func (e *MalformedNameError) Hint() string {
	return "rename the file to NNN_description.sql (three digits, lowercase letters, digits and underscores)"
}

// DuplicateNumberError reports several files sharing one number. Applied
// names the file already recorded as applied, if any.
type DuplicateNumberError struct {
	Number  int
	Files   []string
	Applied string
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("migration number %s is used by %d files: %s",
		FormatNumber(e.Number), len(e.Files), strings.Join(e.Files, ", "))
}

func (e *DuplicateNumberError) Hint() string {
	if e.Applied != "" {
		return "keep " + e.Applied + " and renumber the other files to the next free number"
	}
	return "renumber all but one of the files to the next free number"
}

func (e *DuplicateNumberError) Is(target error) bool { return target == ErrConflict }

// MissingDependencyError reports a declared dependency that is neither
// applied nor pending with a smaller number.
type MissingDependencyError struct {
	Number     int
	Dependency int
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("migration %s depends on %s, which is neither applied nor an earlier pending migration",
		FormatNumber(e.Number), FormatNumber(e.Dependency))
}

func (e *MissingDependencyError) Hint() string {
	return fmt.Sprintf("add or apply migration %s first, or fix the Dependencies header of %s",
		FormatNumber(e.Dependency), FormatNumber(e.Number))
}

func (e *MissingDependencyError) Is(target error) bool { return target == ErrConflict }

// CyclicDependencyError reports a dependency cycle among pending migrations.
// Cycle lists the members in order, starting at the smallest number.
type CyclicDependencyError struct {
	Cycle []int
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, 0, len(e.Cycle)+1)
	for _, n := range e.Cycle {
		parts = append(parts, FormatNumber(n))
	}
	if len(e.Cycle) > 0 {
		parts = append(parts, FormatNumber(e.Cycle[0]))
	}
	return "cyclic migration dependency: " + strings.Join(parts, " -> ")
}

func (e *CyclicDependencyError) Hint() string {
	return "remove one of the Dependencies headers that closes the cycle"
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrConflict }

// DriftDetectedError reports an applied migration whose file content no
// longer matches the checksum recorded when it was applied.
type DriftDetectedError struct {
	Number   int
	Name     string
	Recorded string
	Current  string
}

func (e *DriftDetectedError) Error() string {
	return fmt.Sprintf("migration %s (%s) was modified after it was applied: recorded checksum %s, file checksum %s",
		FormatNumber(e.Number), e.Name, shortSum(e.Recorded), shortSum(e.Current))
}

func (e *DriftDetectedError) Hint() string {
	return "restore the original file content and put the change in a new migration"
}

func (e *DriftDetectedError) Is(target error) bool { return target == ErrDrift }

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// OutOfOrderError reports an attempt to apply a migration below the highest
// applied number, or ahead of earlier pending migrations, without an override.
type OutOfOrderError struct {
	Number         int
	HighestApplied int
	EarlierPending []int
}

func (e *OutOfOrderError) Error() string {
	if len(e.EarlierPending) > 0 {
		return fmt.Sprintf("migration %s would be applied before earlier pending migrations %s",
			FormatNumber(e.Number), formatNumbers(e.EarlierPending))
	}
	return fmt.Sprintf("migration %s is lower than the highest applied migration %s",
		FormatNumber(e.Number), FormatNumber(e.HighestApplied))
}

func (e *OutOfOrderError) Hint() string {
	return "apply the earlier migrations first, or pass --allow-out-of-order to record an explicit override"
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrConflict }

// SandboxFailureError reports that a migration failed its isolated test run.
type SandboxFailureError struct {
	Number int
	Phase  string
	Err    error
}

func (e *SandboxFailureError) Error() string {
	return fmt.Sprintf("sandbox test of migration %s failed while %s: %v", FormatNumber(e.Number), e.Phase, e.Err)
}

func (e *SandboxFailureError) Unwrap() error { return e.Err }

func (e *SandboxFailureError) Is(target error) bool { return target == ErrSandboxFailed }

func (e *SandboxFailureError) Hint() string {
	return "fix the migration (or its rollback) and run `ratchet test` again; the target database was not touched"
}

// ApplyExecutionError reports a failure while executing a migration against
// the target database. Partial is set when some statements were committed
// before the failure, which only happens on dialects without transactional DDL.
type ApplyExecutionError struct {
	Number          int
	Statement       int
	Partial         bool
	RollbackApplied bool
	RollbackErr     error
	Err             error
}

func (e *ApplyExecutionError) Error() string {
	msg := fmt.Sprintf("migration %s failed", FormatNumber(e.Number))
	if e.Statement > 0 {
		msg += fmt.Sprintf(" at statement %d", e.Statement)
	}
	msg += fmt.Sprintf(": %v", e.Err)
	if e.Partial {
		switch {
		case e.RollbackApplied:
			msg += " (partially applied, rollback script restored the previous state)"
		case e.RollbackErr != nil:
			msg += fmt.Sprintf(" (partially applied, rollback failed: %v)", e.RollbackErr)
		default:
			msg += " (partially applied, no rollback script available)"
		}
	}
	return msg
}

func (e *ApplyExecutionError) Unwrap() error { return e.Err }

func (e *ApplyExecutionError) Is(target error) bool { return target == ErrExecutionFailed }

func (e *ApplyExecutionError) Hint() string {
	if e.Partial && !e.RollbackApplied {
		return "the database may hold part of this migration; inspect it by hand before retrying"
	}
	return "fix the migration and apply it again; the failed attempt is kept in history"
}

// LockContentionError reports that another process holds the migration lock.
type LockContentionError struct {
	Key    string
	Holder string
	Waited time.Duration
}

func (e *LockContentionError) Error() string {
	msg := fmt.Sprintf("migration lock %q is held by another process", e.Key)
	if e.Holder != "" {
		msg += " (" + e.Holder + ")"
	}
	if e.Waited > 0 {
		msg += fmt.Sprintf(" after waiting %s", e.Waited)
	}
	return msg
}

func (e *LockContentionError) Is(target error) bool { return target == ErrLockContention }

func (e *LockContentionError) Hint() string {
	return "wait for the other apply to finish and retry, or raise lock_timeout"
}

// TimeoutError reports that a migration exceeded its deadline.
type TimeoutError struct {
	Number  int
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("migration %s did not finish within %s", FormatNumber(e.Number), e.Timeout)
	}
	return fmt.Sprintf("migration %s was cancelled before it finished", FormatNumber(e.Number))
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Hint() string {
	return "raise apply_timeout or split the migration into smaller steps"
}

// DuplicateActiveApplyError reports that another apply of the same
// migration is already recorded as in progress.
type DuplicateActiveApplyError struct {
	Number   int
	RecordID int64
}

func (e *DuplicateActiveApplyError) Error() string {
	msg := fmt.Sprintf("migration %s already has an apply in progress", FormatNumber(e.Number))
	if e.RecordID > 0 {
		msg += " (record " + strconv.FormatInt(e.RecordID, 10) + ")"
	}
	return msg
}

func (e *DuplicateActiveApplyError) Is(target error) bool { return target == ErrLockContention }

func (e *DuplicateActiveApplyError) Hint() string {
	return fmt.Sprintf("if no apply is running, run `ratchet recover %s` to mark the stale attempt failed", FormatNumber(e.Number))
}

// UnsupportedOperationError reports SQL the target dialect cannot execute.
type UnsupportedOperationError struct {
	Dialect   string
	Operation string
	Statement string
	Reason    string
	// Suggestion overrides the default hint.
	Suggestion string
}

func (e *UnsupportedOperationError) Error() string {
	msg := fmt.Sprintf("%s does not support %s", e.Dialect, e.Operation)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedOperationError) Is(target error) bool { return target == ErrUnsupported }

func (e *UnsupportedOperationError) Hint() string {
	if e.Suggestion != "" {
		return e.Suggestion
	}
	return "rewrite the change as create-new-table, copy rows, drop old table, rename"
}

// ConfirmationRequiredError reports a destructive operation run without
// explicit confirmation.
type ConfirmationRequiredError struct {
	Operation string
	Target    string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("%s %s requires explicit confirmation", e.Operation, e.Target)
}

func (e *ConfirmationRequiredError) Is(target error) bool { return target == ErrNotConfirmed }

func (e *ConfirmationRequiredError) Hint() string {
	return "re-run with --yes, or confirm interactively by typing the migration name"
}

// NotFoundError reports a migration reference that matches no file.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no migration matches %q", e.Ref)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Hint() string {
	return "run `ratchet status` to list known migrations"
}
