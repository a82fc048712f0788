// Package engine drives migrations end to end: it reads the source
// directory, checks it against the tracking table, tests candidates in a
// sandbox and applies them under the advisory lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/conflict"
	"github.com/lockplane/ratchet/internal/drift"
	"github.com/lockplane/ratchet/internal/logger"
	"github.com/lockplane/ratchet/internal/sandbox"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

// Notes written to tracking rows.
const (
	NoteOutOfOrder    = "out_of_order override"
	NoteSandboxSkip   = "sandbox skipped"
	NoteMarkedApplied = "marked applied manually"
)

// bookkeepingTimeout bounds tracking-table writes made after the caller's
// context is done.
const bookkeepingTimeout = 10 * time.Second

// ErrNotInitialized is returned by write operations before `ratchet init`.
var ErrNotInitialized = errors.New("tracking table does not exist")

// Tester runs sandbox tests. *sandbox.Harness implements it.
type Tester interface {
	Run(ctx context.Context, d source.Descriptor) *sandbox.Result
	RunAll(ctx context.Context, descriptors []source.Descriptor) []*sandbox.Result
}

// Engine is bound to one target database. Every call uses the same
// DialectConfig; there is no process-wide dialect state.
type Engine struct {
	cfg          database.DialectConfig
	db           database.Adapter
	reader       *source.Reader
	store        *state.Store
	tester       Tester
	lockWait     time.Duration
	applyTimeout time.Duration
	operator     string
	log          *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithReader sets the migration source. The default reads ./migrations.
func WithReader(r *source.Reader) Option {
	return func(e *Engine) { e.reader = r }
}

// WithTester replaces the sandbox harness.
func WithTester(t Tester) Option {
	return func(e *Engine) { e.tester = t }
}

// WithLockWait sets how long Apply waits for the advisory lock. Zero tries
// once.
func WithLockWait(d time.Duration) Option {
	return func(e *Engine) { e.lockWait = d }
}

// WithApplyTimeout bounds the execution of one migration. Zero means only
// the caller's deadline applies.
func WithApplyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.applyTimeout = d }
}

// WithOperator sets the applied_by value written to tracking rows.
func WithOperator(name string) Option {
	return func(e *Engine) { e.operator = name }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine for the database db, which is connected per cfg.
func New(cfg database.DialectConfig, db database.Adapter, opts ...Option) (*Engine, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = db.Dialect()
	}
	if cfg.Dialect != db.Dialect() {
		return nil, fmt.Errorf("configured dialect %s does not match %s adapter", cfg.Dialect, db.Dialect())
	}

	e := &Engine{
		cfg: cfg,
		db:  db,
		log: logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reader == nil {
		e.reader = source.NewOSReader("migrations")
	}
	if e.tester == nil {
		e.tester = sandbox.New(cfg, db, sandbox.WithLogger(e.log))
	}

	store, err := state.New(db, cfg.Table(), state.WithOperator(e.operator), state.WithLogger(e.log))
	if err != nil {
		return nil, err
	}
	e.store = store
	return e, nil
}

// Config returns the dialect configuration the engine was built with.
func (e *Engine) Config() database.DialectConfig { return e.cfg }

// Store exposes the tracking table.
func (e *Engine) Store() *state.Store { return e.store }

// LockKey names the advisory lock guarding the tracking table.
func (e *Engine) LockKey() string {
	return "ratchet:" + e.store.Table()
}

// Init creates the tracking table. It is idempotent.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.Init(ctx); err != nil {
		return err
	}
	e.log.LogInfo("tracking table initialized", map[string]interface{}{
		"table":   e.store.Table(),
		"dialect": e.cfg.Dialect,
	})
	return nil
}

func (e *Engine) requireInitialized(ctx context.Context) error {
	ok, err := e.store.Initialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s (run `ratchet init` first)", ErrNotInitialized, e.store.Table())
	}
	return nil
}

// records returns every tracking row, or nothing before init.
func (e *Engine) records(ctx context.Context) ([]state.Record, bool, error) {
	ok, err := e.store.Initialized(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	records, err := e.store.Records(ctx)
	return records, true, err
}

// lock takes the advisory lock and returns its release func, which logs
// instead of failing.
func (e *Engine) lock(ctx context.Context) (func(), error) {
	release, err := e.db.AdvisoryLock(ctx, e.LockKey(), e.lockWait)
	if err != nil {
		return nil, err
	}
	e.log.LogDebug("lock acquired", map[string]interface{}{"lock": e.LockKey()})
	return func() {
		if err := release(); err != nil {
			e.log.LogWarn("failed to release lock", map[string]interface{}{"lock": e.LockKey(), "error": err.Error()})
		}
	}, nil
}

// targeted keeps descriptors that run on the engine's dialect.
func (e *Engine) targeted(descriptors []source.Descriptor) []source.Descriptor {
	out := make([]source.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Targets(e.cfg.Dialect) {
			out = append(out, d)
		}
	}
	return out
}

// analyze runs the conflict detector and drift validator together.
func (e *Engine) analyze(descriptors []source.Descriptor, records []state.Record) conflict.Report {
	report := conflict.Detect(e.targeted(descriptors), records)
	return report.Merge(drift.Validate(descriptors, records)...)
}

// duplicateOf returns the duplicate-number error naming number, so a file
// that reuses an applied number is never taken for the applied one.
func (e *Engine) duplicateOf(descriptors []source.Descriptor, records []state.Record, number int) error {
	c, ok := conflict.Detect(e.targeted(descriptors), records).Find(conflict.KindDuplicateNumber, number)
	if !ok {
		return nil
	}
	return c.Err
}

func appliedNumbers(records []state.Record) map[int]state.Record {
	applied := map[int]state.Record{}
	for _, r := range records {
		if r.Status == state.StatusApplied {
			applied[r.Number] = r
		}
	}
	return applied
}

func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
