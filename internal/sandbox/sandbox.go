// Package sandbox tests migrations against disposable copies of the target
// database before they are trusted with the real one.
//
// Each run walks idle → cloning → applying → verifying → rolling_back and
// ends in done or failed. The copy is torn down on every exit path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/connect"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/locks"
	"github.com/lockplane/ratchet/internal/logger"
	"github.com/lockplane/ratchet/internal/parser"
	"github.com/lockplane/ratchet/internal/source"
)

// Phase is a state of a sandbox run.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCloning     Phase = "cloning"
	PhaseApplying    Phase = "applying"
	PhaseVerifying   Phase = "verifying"
	PhaseRollingBack Phase = "rolling_back"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// WarnNoRollback is reported for migrations without a rollback script.
const WarnNoRollback = "no rollback script: migration is irreversible"

// teardownTimeout bounds cleanup once the caller's context is gone.
const teardownTimeout = 30 * time.Second

// Result is the outcome of one sandbox run.
type Result struct {
	Number          int      `json:"migration"`
	Name            string   `json:"name"`
	Sandbox         string   `json:"sandbox,omitempty"`
	Applied         bool     `json:"applied"`
	RollbackApplied bool     `json:"rollback_applied"`
	Reapplied       bool     `json:"reapplied"`
	DurationMs      int64    `json:"duration_ms"`
	Phases          []Phase  `json:"phases"`
	Warnings        []string `json:"warnings,omitempty"`
	Verified        []string `json:"verified,omitempty"`
	Err             error    `json:"-"`
	Error           string   `json:"error,omitempty"`
}

// OK reports whether the migration passed.
func (r *Result) OK() bool { return r.Err == nil }

// Phase returns the last state the run reached.
func (r *Result) Phase() Phase {
	if len(r.Phases) == 0 {
		return PhaseIdle
	}
	return r.Phases[len(r.Phases)-1]
}

func (r *Result) enter(p Phase) { r.Phases = append(r.Phases, p) }

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Result) verified(format string, args ...any) {
	r.Verified = append(r.Verified, fmt.Sprintf(format, args...))
}

// Opener connects to a sandbox database.
type Opener func(ctx context.Context, dialect database.Dialect, dsn string) (database.Adapter, error)

// Harness runs migrations in sandboxes cloned from one target database.
type Harness struct {
	target      database.Adapter
	cfg         database.DialectConfig
	clone       database.CloneOptions
	parallelism int
	open        Opener
	leases      *LeaseStore
	log         *logger.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithCloneOptions sets how sandboxes are created. The tracking table and
// lock table are always excluded.
func WithCloneOptions(opts database.CloneOptions) Option {
	return func(h *Harness) { h.clone = opts }
}

// WithParallelism bounds concurrent sandboxes in RunAll.
func WithParallelism(n int) Option {
	return func(h *Harness) {
		if n > 0 {
			h.parallelism = n
		}
	}
}

// WithOpener replaces the adapter factory used for sandbox connections.
func WithOpener(open Opener) Option {
	return func(h *Harness) { h.open = open }
}

// WithLeaseStore records every live sandbox in store.
func WithLeaseStore(store *LeaseStore) Option {
	return func(h *Harness) { h.leases = store }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(h *Harness) { h.log = log }
}

// New creates a harness cloning from target, which is connected per cfg.
func New(cfg database.DialectConfig, target database.Adapter, opts ...Option) *Harness {
	h := &Harness{
		target:      target,
		cfg:         cfg,
		parallelism: 2,
		open:        connect.OpenDSN,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, t := range []string{cfg.Table(), database.LockTable} {
		if !h.clone.Excluded(t) {
			h.clone.ExcludeTables = append(h.clone.ExcludeTables, t)
		}
	}
	return h
}

// Run tests one migration. It never returns nil; failures are reported in
// Result.Err as *errdefs.SandboxFailureError.
func (h *Harness) Run(ctx context.Context, d source.Descriptor) *Result {
	start := time.Now()
	res := &Result{Number: d.Number, Name: d.Name, Phases: []Phase{PhaseIdle}}
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	fields := map[string]interface{}{"migration": d.Number, "dialect": h.target.Dialect()}

	res.enter(PhaseCloning)
	h.log.LogDebug("cloning sandbox", fields)
	sbx, err := h.target.CloneForSandbox(ctx, h.clone)
	if err != nil {
		return h.fail(res, PhaseCloning, err)
	}
	res.Sandbox = sbx.Name
	lease := h.acquireLease(sbx, d.Number)
	defer h.teardown(ctx, res, sbx, lease)

	db, err := h.open(ctx, sbx.Dialect, sbx.DSN)
	if err != nil {
		return h.fail(res, PhaseCloning, fmt.Errorf("failed to connect to sandbox: %w", err))
	}
	defer func() { _ = db.Close() }()

	res.enter(PhaseApplying)
	if err := execute(ctx, db, d.Content); err != nil {
		return h.fail(res, PhaseApplying, err)
	}
	res.Applied = true

	res.enter(PhaseVerifying)
	effects, err := parser.ParseEffects(db.Dialect(), d.Content)
	if err != nil {
		return h.fail(res, PhaseVerifying, err)
	}
	if err := verifyApplied(ctx, db, effects, res); err != nil {
		return h.fail(res, PhaseVerifying, err)
	}
	if db.Dialect() == database.DialectPostgres {
		lockWarnings(d.Content, effects, res)
	}

	res.enter(PhaseRollingBack)
	if !d.HasRollback() {
		res.warn(WarnNoRollback)
	} else {
		if err := execute(ctx, db, d.RollbackContent); err != nil {
			return h.fail(res, PhaseRollingBack, err)
		}
		res.RollbackApplied = true
		if err := verifyRolledBack(ctx, db, effects, res); err != nil {
			return h.fail(res, PhaseRollingBack, err)
		}
		// The rollback must leave a schema the migration applies to again.
		if err := execute(ctx, db, d.Content); err != nil {
			return h.fail(res, PhaseRollingBack, fmt.Errorf("re-applying after rollback: %w", err))
		}
		if err := verifyApplied(ctx, db, effects, &Result{}); err != nil {
			return h.fail(res, PhaseRollingBack, fmt.Errorf("re-applying after rollback: %w", err))
		}
		res.Reapplied = true
	}

	res.enter(PhaseDone)
	fields["warnings"] = len(res.Warnings)
	h.log.LogInfo("sandbox test passed", fields)
	return res
}

// RunAll tests descriptors in independent sandboxes, at most Parallelism at
// a time. Results are in input order.
func (h *Harness) RunAll(ctx context.Context, descriptors []source.Descriptor) []*Result {
	results := make([]*Result, len(descriptors))
	var g errgroup.Group
	g.SetLimit(h.parallelism)
	for i, d := range descriptors {
		g.Go(func() error {
			results[i] = h.Run(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Err joins the errors of failed results.
func Err(results []*Result) error {
	var errs []error
	for _, r := range results {
		if r != nil && r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

func execute(ctx context.Context, db database.Adapter, script string) error {
	if err := db.CheckSupported(ctx, script); err != nil {
		return err
	}
	_, err := db.Execute(ctx, script)
	return err
}

func (h *Harness) fail(res *Result, phase Phase, err error) *Result {
	res.Err = &errdefs.SandboxFailureError{
		Number: res.Number,
		Phase:  strings.ReplaceAll(string(phase), "_", " "),
		Err:    err,
	}
	res.Error = res.Err.Error()
	res.enter(PhaseFailed)
	h.log.WithError(err).WithField("migration", res.Number).WithField("phase", phase).Warn("sandbox test failed")
	return res
}

func (h *Harness) acquireLease(sbx *database.Sandbox, number int) *Lease {
	if h.leases == nil {
		return nil
	}
	base := h.clone.BaseDSN
	if base == "" {
		base = h.cfg.DSN
	}
	lease := &Lease{
		ID:        uuid.NewString(),
		Dialect:   sbx.Dialect,
		Name:      sbx.Name,
		DSN:       sbx.DSN,
		BaseDSN:   base,
		Migration: number,
		PID:       os.Getpid(),
		CreatedAt: sbx.CreatedAt,
	}
	if err := h.leases.Save(lease); err != nil {
		h.log.LogWarn("failed to record sandbox lease", map[string]interface{}{"sandbox": sbx.Name, "error": err.Error()})
		return nil
	}
	return lease
}

func (h *Harness) teardown(ctx context.Context, res *Result, sbx *database.Sandbox, lease *Lease) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := sbx.Teardown(tctx); err != nil {
		res.warn("sandbox %s was not removed: %v", sbx.Name, err)
		h.log.LogWarn("sandbox teardown failed", map[string]interface{}{"sandbox": sbx.Name, "error": err.Error()})
		return
	}
	if lease != nil {
		if err := h.leases.Remove(lease.ID); err != nil {
			h.log.LogWarn("failed to remove sandbox lease", map[string]interface{}{"lease": lease.ID, "error": err.Error()})
		}
	}
}

func verifyApplied(ctx context.Context, db database.Adapter, e *parser.Effects, res *Result) error {
	for _, table := range e.CreatedTables {
		if err := expectTable(ctx, db, table, true); err != nil {
			return err
		}
		res.verified("table %s exists", table)
	}
	for _, table := range e.DroppedTables {
		if err := expectTable(ctx, db, table, false); err != nil {
			return err
		}
		res.verified("table %s is gone", table)
	}
	for _, col := range e.AddedColumns {
		if err := expectColumn(ctx, db, col, true); err != nil {
			return err
		}
		res.verified("column %s exists", col)
	}
	for _, col := range e.DroppedColumns {
		if err := expectColumn(ctx, db, col, false); err != nil {
			return err
		}
		res.verified("column %s is gone", col)
	}
	return nil
}

func verifyRolledBack(ctx context.Context, db database.Adapter, e *parser.Effects, res *Result) error {
	for _, table := range e.CreatedTables {
		if err := expectTable(ctx, db, table, false); err != nil {
			return fmt.Errorf("rollback left %w", err)
		}
		res.verified("rollback removed table %s", table)
	}
	for _, col := range e.AddedColumns {
		if err := expectColumn(ctx, db, col, false); err != nil {
			return fmt.Errorf("rollback left %w", err)
		}
		res.verified("rollback removed column %s", col)
	}
	return nil
}

func expectTable(ctx context.Context, db database.Adapter, table string, want bool) error {
	got, err := db.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("table %s %s", table, existence(got))
	}
	return nil
}

func expectColumn(ctx context.Context, db database.Adapter, col parser.ColumnRef, want bool) error {
	got, err := db.ColumnExists(ctx, col.Table, col.Column)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("column %s %s", col, existence(got))
	}
	return nil
}

func existence(exists bool) string {
	if exists {
		return "still exists"
	}
	return "does not exist"
}

// lockWarnings flags statements that take write-blocking locks on tables
// that existed before the migration.
func lockWarnings(script string, e *parser.Effects, res *Result) {
	stmts, err := parser.SplitPostgres(script)
	if err != nil {
		return
	}
	for i, impact := range locks.AnalyzeStatements(stmts) {
		if !impact.RequiresSaferAlternative() || impact.Table == "" || database.Contains(e.CreatedTables, impact.Table) {
			continue
		}
		msg := fmt.Sprintf("statement %d takes %s lock on %s: %s", i+1, impact.LockMode, impact.Table, impact.Explanation)
		if rewrite := locks.GenerateSaferRewrite(impact.Statement); rewrite != nil {
			msg += "; safer: " + rewrite.Description
		}
		res.Warnings = append(res.Warnings, msg)
	}
}

// NewLeaseStoreOS stores leases on the local file system under dir.
func NewLeaseStoreOS(dir string) *LeaseStore {
	return NewLeaseStore(afero.NewOsFs(), dir)
}

// DropLease drops the sandbox behind l with the matching adapter.
func DropLease(ctx context.Context, l Lease) error {
	return connect.DropSandbox(ctx, l.Dialect, l.BaseDSN, l.Name, l.DSN)
}
