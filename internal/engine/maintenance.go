package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/sandbox"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

// Test runs migration number in a sandbox only.
func (e *Engine) Test(ctx context.Context, number int) (*sandbox.Result, error) {
	descriptors, err := e.reader.List()
	if err != nil {
		return nil, err
	}
	d, ok := findDescriptor(descriptors, number)
	if !ok {
		return nil, &errdefs.NotFoundError{Ref: errdefs.FormatNumber(number)}
	}
	res := e.tester.Run(ctx, d)
	return res, res.Err
}

// TestPending runs every pending migration in its own sandbox. Sandboxes
// are cloned from the target, so migrations that depend on another pending
// migration are left out.
func (e *Engine) TestPending(ctx context.Context) ([]*sandbox.Result, error) {
	pending, err := e.Pending(ctx)
	if err != nil {
		return nil, err
	}
	waiting := map[int]bool{}
	for _, d := range pending {
		waiting[d.Number] = true
	}
	runnable := make([]source.Descriptor, 0, len(pending))
	for _, d := range pending {
		blocked := false
		for _, dep := range d.DependsOn {
			blocked = blocked || waiting[dep]
		}
		if blocked {
			e.log.LogInfo("not testing migration with pending dependencies", map[string]interface{}{
				"migration":  d.Number,
				"depends_on": d.DependsOn,
			})
			continue
		}
		runnable = append(runnable, d)
	}
	results := e.tester.RunAll(ctx, runnable)
	return results, sandbox.Err(results)
}

// RollbackOptions control Rollback.
type RollbackOptions struct {
	Confirmed bool
	Notes     string
}

// RollbackResult describes a finished Rollback.
type RollbackResult struct {
	Number     int    `json:"number"`
	Name       string `json:"name"`
	RecordID   int64  `json:"record_id"`
	DurationMs int64  `json:"duration_ms"`
}

// Rollback runs the rollback script of an applied migration under the lock
// and marks its row rolled_back. Migrations that applied migrations still
// depend on are refused.
func (e *Engine) Rollback(ctx context.Context, number int, opts RollbackOptions) (*RollbackResult, error) {
	if !opts.Confirmed {
		return nil, &errdefs.ConfirmationRequiredError{Operation: "rollback", Target: errdefs.FormatNumber(number)}
	}
	if err := e.requireInitialized(ctx); err != nil {
		return nil, err
	}
	descriptors, err := e.reader.List()
	if err != nil {
		return nil, err
	}
	d, ok := findDescriptor(descriptors, number)
	if !ok {
		return nil, &errdefs.NotFoundError{Ref: errdefs.FormatNumber(number)}
	}
	if !d.HasRollback() {
		return nil, fmt.Errorf("migration %s has no rollback script", d.Label())
	}
	if err := e.db.CheckSupported(ctx, d.RollbackContent); err != nil {
		return nil, err
	}

	release, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	records, err := e.store.Records(ctx)
	if err != nil {
		return nil, err
	}
	applied := appliedNumbers(records)
	record, ok := applied[number]
	if !ok {
		return nil, fmt.Errorf("migration %s is not applied", d.Label())
	}
	if dependents := dependentsOf(number, descriptors, applied); len(dependents) > 0 {
		return nil, fmt.Errorf("migration %s is required by applied migrations %v; roll those back first",
			d.Label(), dependents)
	}

	execCtx := ctx
	if e.applyTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.applyTimeout)
		defer cancel()
	}
	start := time.Now()
	if _, err := e.db.Execute(execCtx, d.RollbackContent); err != nil {
		return nil, rollbackFailure(e.db, d, err)
	}
	elapsed := time.Since(start).Milliseconds()

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	note := state.AppendNote(fmt.Sprintf("rolled back by %s", e.store.Operator()), opts.Notes)
	if err := e.store.MarkRolledBack(bctx, record.ID, note); err != nil {
		return nil, fmt.Errorf("rollback of %s ran but could not be recorded: %w", d.Label(), err)
	}
	e.log.LogInfo("migration rolled back", map[string]interface{}{
		"migration":   d.Number,
		"record_id":   record.ID,
		"duration_ms": elapsed,
	})
	return &RollbackResult{Number: d.Number, Name: d.Name, RecordID: record.ID, DurationMs: elapsed}, nil
}

func rollbackFailure(db database.Adapter, d source.Descriptor, err error) error {
	var ee *database.ExecError
	if errors.As(err, &ee) && !db.Transactional() && ee.Partial() {
		return fmt.Errorf("rollback of %s failed after %d statements were committed; the database needs manual repair: %w",
			d.Label(), ee.Applied, err)
	}
	return fmt.Errorf("rollback of %s failed: %w", d.Label(), err)
}

func dependentsOf(number int, descriptors []source.Descriptor, applied map[int]state.Record) []int {
	var out []int
	for _, d := range descriptors {
		if _, ok := applied[d.Number]; !ok {
			continue
		}
		if containsInt(d.DependsOn, number) && !containsInt(out, d.Number) {
			out = append(out, d.Number)
		}
	}
	return out
}

// RecoverOptions control Recover.
type RecoverOptions struct {
	// BreakLock removes a lock row left by a crashed process on dialects
	// whose locks outlive their session.
	BreakLock bool
}

// RecoverResult describes what Recover changed.
type RecoverResult struct {
	Number     int   `json:"number"`
	Abandoned  int64 `json:"abandoned"`
	LockBroken bool  `json:"lock_broken"`
}

// Recover marks in_progress rows of number failed. It is meant for applies
// whose process died before recording the outcome, and runs under the lock
// so a live apply is never touched.
func (e *Engine) Recover(ctx context.Context, number int, opts RecoverOptions) (*RecoverResult, error) {
	if err := e.requireInitialized(ctx); err != nil {
		return nil, err
	}
	result := &RecoverResult{Number: number}

	release, err := e.lock(ctx)
	var contention *errdefs.LockContentionError
	if errors.As(err, &contention) && opts.BreakLock {
		breaker, ok := e.db.(database.LockBreaker)
		if !ok {
			return nil, fmt.Errorf("%w; %s locks are released when the holding session ends", err, e.cfg.Dialect)
		}
		broken, berr := breaker.BreakLock(ctx, e.LockKey())
		if berr != nil {
			return nil, fmt.Errorf("failed to break lock: %w", berr)
		}
		result.LockBroken = broken
		e.log.LogWarn("broke stale lock", map[string]interface{}{"lock": e.LockKey(), "holder": contention.Holder})
		release, err = e.lock(ctx)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := e.store.AbandonInProgress(ctx, number,
		fmt.Sprintf("abandoned by recover: apply did not finish (recovered by %s)", e.store.Operator()))
	if err != nil {
		return nil, err
	}
	result.Abandoned = n
	e.log.LogInfo("recovered stale applies", map[string]interface{}{"migration": number, "rows": n})
	return result, nil
}
