package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/drift"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/sandbox"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

// ApplyOptions control one Apply call.
type ApplyOptions struct {
	// SkipSandbox applies without a sandbox test. The skip is recorded in
	// the row's notes.
	SkipSandbox bool

	// AllowOutOfOrder permits applying below the highest applied number or
	// ahead of earlier pending migrations. Recorded in notes.
	AllowOutOfOrder bool

	// Timeout overrides the engine's apply timeout when positive.
	Timeout time.Duration

	// Notes are appended to the row's notes.
	Notes string
}

// ApplyResult describes a finished Apply.
type ApplyResult struct {
	Number         int             `json:"number"`
	Name           string          `json:"name"`
	AlreadyApplied bool            `json:"already_applied"`
	RecordID       int64           `json:"record_id,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	RowsAffected   int64           `json:"rows_affected"`
	Notes          string          `json:"notes,omitempty"`
	Sandbox        *sandbox.Result `json:"sandbox,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// Apply runs migration number against the target database.
//
// Order of checks: already applied (no-op), conflicts and drift, ordering,
// sandbox test, advisory lock, re-check under the lock, execution. Nothing
// is written to the tracking table and the lock is never taken before the
// sandbox test passes.
func (e *Engine) Apply(ctx context.Context, number int, opts ApplyOptions) (*ApplyResult, error) {
	if err := e.requireInitialized(ctx); err != nil {
		return nil, err
	}
	descriptors, err := e.reader.List()
	if err != nil {
		return nil, err
	}
	records, err := e.store.Records(ctx)
	if err != nil {
		return nil, err
	}

	d, ok := findDescriptor(descriptors, number)
	if !ok {
		if r, applied := appliedNumbers(records)[number]; applied {
			return &ApplyResult{Number: number, Name: r.Name, AlreadyApplied: true, RecordID: r.ID}, nil
		}
		return nil, &errdefs.NotFoundError{Ref: errdefs.FormatNumber(number)}
	}
	if err := e.duplicateOf(descriptors, records, number); err != nil {
		return nil, err
	}
	result := &ApplyResult{Number: d.Number, Name: d.Name}
	if r, applied := appliedNumbers(records)[number]; applied {
		result.AlreadyApplied = true
		result.RecordID = r.ID
		return result, nil
	}

	if !d.Targets(e.cfg.Dialect) {
		return nil, &errdefs.UnsupportedOperationError{
			Dialect:    string(e.cfg.Dialect),
			Operation:  "migration " + d.Label(),
			Reason:     "its Database header targets " + joinDialects(d.DialectHints),
			Suggestion: "run it against a matching database or change its Database header",
		}
	}

	notes, err := e.preflight(d, descriptors, records, opts)
	if err != nil {
		return nil, err
	}
	if err := e.db.CheckSupported(ctx, d.Content); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{"migration": d.Number, "dialect": e.cfg.Dialect}
	if opts.SkipSandbox {
		notes = state.AppendNote(notes, NoteSandboxSkip)
		e.log.LogWarn("sandbox test skipped", fields)
	} else {
		res := e.tester.Run(ctx, d)
		result.Sandbox = res
		result.Warnings = append(result.Warnings, res.Warnings...)
		if res.Err != nil {
			return result, res.Err
		}
	}
	notes = state.AppendNote(notes, opts.Notes)
	result.Notes = notes

	release, err := e.lock(ctx)
	if err != nil {
		return result, err
	}
	defer release()

	// Another process may have applied it while the sandbox ran.
	records, err = e.store.Records(ctx)
	if err != nil {
		return result, err
	}
	if r, applied := appliedNumbers(records)[number]; applied {
		result.AlreadyApplied = true
		result.RecordID = r.ID
		return result, nil
	}
	if err := e.analyze(descriptors, records).Err(); err != nil {
		return result, err
	}

	checksum := drift.Of(d)
	id, err := e.store.BeginApply(ctx, state.Attempt{Number: d.Number, Name: d.Name, Checksum: checksum, Notes: notes})
	if err != nil {
		return result, err
	}
	result.RecordID = id

	timeout := e.applyTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	rows, execErr := e.db.Execute(execCtx, d.Content)
	elapsed := time.Since(start).Milliseconds()
	result.DurationMs = elapsed
	result.RowsAffected = rows

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	if execErr == nil {
		if err := e.store.CompleteApply(bctx, id, elapsed, checksum); err != nil {
			return result, fmt.Errorf("migration %s ran but could not be recorded as applied: %w",
				errdefs.FormatNumber(d.Number), err)
		}
		fields["record_id"] = id
		fields["duration_ms"] = elapsed
		e.log.LogInfo("migration applied", fields)
		return result, nil
	}

	applyErr := e.executionFailure(bctx, execCtx, d, timeout, execErr)
	if err := e.store.FailApply(bctx, id, elapsed, applyErr.Error()); err != nil {
		e.log.LogError(err, "failed to record failed apply")
	}
	e.log.WithError(applyErr).WithField("migration", d.Number).WithField("record_id", id).Error("migration failed")
	return result, applyErr
}

// preflight returns the notes for the new row, or the first error that
// blocks the apply. Conflicts and drift block everything.
func (e *Engine) preflight(d source.Descriptor, descriptors []source.Descriptor, records []state.Record, opts ApplyOptions) (string, error) {
	if err := e.analyze(descriptors, records).Err(); err != nil {
		return "", err
	}

	applied := appliedNumbers(records)
	for _, dep := range d.DependsOn {
		if _, ok := applied[dep]; !ok {
			return "", &errdefs.MissingDependencyError{Number: d.Number, Dependency: dep}
		}
	}

	highest := 0
	for n := range applied {
		if n > highest {
			highest = n
		}
	}
	var earlier []int
	for _, p := range e.pending(descriptors, records) {
		if p.Number < d.Number && !containsInt(earlier, p.Number) {
			earlier = append(earlier, p.Number)
		}
	}
	sort.Ints(earlier)

	if highest <= d.Number && len(earlier) == 0 {
		return "", nil
	}
	if !opts.AllowOutOfOrder {
		return "", &errdefs.OutOfOrderError{Number: d.Number, HighestApplied: highest, EarlierPending: earlier}
	}
	e.log.LogWarn("applying out of order", map[string]interface{}{
		"migration":       d.Number,
		"highest_applied": highest,
		"earlier_pending": earlier,
	})
	return NoteOutOfOrder, nil
}

// executionFailure builds the error for a failed execution. When a
// non-transactional dialect committed part of the script, the rollback
// script is run as a best effort and its outcome is reported.
func (e *Engine) executionFailure(bctx, execCtx context.Context, d source.Descriptor, timeout time.Duration, execErr error) *errdefs.ApplyExecutionError {
	applyErr := &errdefs.ApplyExecutionError{Number: d.Number, Err: execErr}

	var ee *database.ExecError
	if errors.As(execErr, &ee) {
		applyErr.Statement = ee.Statement
		applyErr.Partial = !e.db.Transactional() && ee.Partial()
	}
	if ctxErr := execCtx.Err(); ctxErr != nil {
		applyErr.Err = &errdefs.TimeoutError{Number: d.Number, Timeout: timeoutIfExpired(ctxErr, timeout), Err: execErr}
	}

	if applyErr.Partial && d.HasRollback() {
		if _, err := e.db.Execute(bctx, d.RollbackContent); err != nil {
			applyErr.RollbackErr = err
		} else {
			applyErr.RollbackApplied = true
		}
		e.log.LogWarn("automatic rollback after partial apply", map[string]interface{}{
			"migration": d.Number,
			"restored":  applyErr.RollbackApplied,
		})
	}
	return applyErr
}

func timeoutIfExpired(ctxErr error, timeout time.Duration) time.Duration {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return timeout
	}
	return 0
}

// MarkOptions control MarkApplied.
type MarkOptions struct {
	// Confirmed must be set; recording a migration without running it is
	// never implicit.
	Confirmed bool
	Notes     string
}

// MarkApplied records migration ref as applied without executing it, for
// changes made by hand (for example CREATE INDEX CONCURRENTLY).
func (e *Engine) MarkApplied(ctx context.Context, ref string, opts MarkOptions) (*ApplyResult, error) {
	if !opts.Confirmed {
		return nil, &errdefs.ConfirmationRequiredError{Operation: "mark-applied", Target: ref}
	}
	if err := e.requireInitialized(ctx); err != nil {
		return nil, err
	}
	d, err := e.Lookup(ref)
	if err != nil {
		return nil, err
	}

	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &ApplyResult{Number: d.Number, Name: d.Name}
	records, err := e.store.Records(ctx)
	if err != nil {
		return nil, err
	}
	descriptors, err := e.reader.List()
	if err != nil {
		return nil, err
	}
	if err := e.duplicateOf(descriptors, records, d.Number); err != nil {
		return nil, err
	}
	if r, applied := appliedNumbers(records)[d.Number]; applied {
		result.AlreadyApplied = true
		result.RecordID = r.ID
		return result, nil
	}

	notes := state.AppendNote(NoteMarkedApplied, opts.Notes)
	id, err := e.store.RecordManual(ctx, state.Attempt{
		Number:   d.Number,
		Name:     d.Name,
		Checksum: drift.Of(d),
		Notes:    notes,
	})
	if err != nil {
		return nil, err
	}
	result.RecordID = id
	result.Notes = notes
	e.log.LogInfo("migration marked applied", map[string]interface{}{"migration": d.Number, "record_id": id})
	return result, nil
}

// Lookup resolves a migration reference: a number, a bare name or a file
// name.
func (e *Engine) Lookup(ref string) (source.Descriptor, error) {
	catalog, err := e.reader.Scan()
	if err != nil {
		return source.Descriptor{}, err
	}
	return catalog.Lookup(ref)
}

func findDescriptor(descriptors []source.Descriptor, number int) (source.Descriptor, bool) {
	for _, d := range descriptors {
		if d.Number == number {
			return d, true
		}
	}
	return source.Descriptor{}, false
}

func joinDialects(dialects []database.Dialect) string {
	parts := make([]string, len(dialects))
	for i, d := range dialects {
		parts[i] = string(d)
	}
	return strings.Join(parts, ", ")
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
