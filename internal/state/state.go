// Package state persists migration attempts in the tracking table of the
// target database. Rows are never deleted: every attempt, including failed
// and rolled back ones, stays in history.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/user"
	"regexp"
	"time"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/logger"
)

// Status is the lifecycle state of a tracking row.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Active reports whether the status holds the migration number's single
// active slot.
func (s Status) Active() bool {
	return s == StatusApplied || s == StatusInProgress
}

// Record is one row of the tracking table.
type Record struct {
	ID              int64      `json:"id"`
	Number          int        `json:"migration_number"`
	Name            string     `json:"migration_name"`
	AppliedAt       time.Time  `json:"applied_at"`
	AppliedBy       string     `json:"applied_by"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	Checksum        string     `json:"checksum"`
	Status          Status     `json:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	RollbackAt      *time.Time `json:"rollback_at,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Attempt identifies the migration a new row is written for.
type Attempt struct {
	Number   int
	Name     string
	Checksum string
	Notes    string
}

// Store reads and writes the tracking table through a dialect adapter.
type Store struct {
	db       database.Adapter
	table    string
	operator string
	now      func() time.Time
	log      *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithOperator sets the applied_by value. The default is user@host.
func WithOperator(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.operator = name
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be used unquoted as the
// tracking table.
func ValidTableName(name string) bool {
	return tableNameRe.MatchString(name)
}

// New creates a store for table on db.
func New(db database.Adapter, table string, opts ...Option) (*Store, error) {
	if table == "" {
		table = database.DefaultTrackingTable
	}
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid tracking table name %q", table)
	}
	s := &Store{
		db:       db,
		table:    table,
		operator: DefaultOperator(),
		now:      time.Now,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DefaultOperator returns "user@host" for the current process.
func DefaultOperator() string {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if name == "" {
		name = "unknown"
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return name + "@" + host
	}
	return name
}

// Table returns the tracking table name.
func (s *Store) Table() string { return s.table }

// Operator returns the applied_by value written by this store.
func (s *Store) Operator() string { return s.operator }

// Init creates the tracking table and its indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, ddl := range s.db.TrackingTableDDL(s.table) {
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to initialize tracking table %s: %w", s.table, err)
		}
	}
	s.log.LogDebug("tracking table ready", map[string]interface{}{"table": s.table})
	return nil
}

// Initialized reports whether the tracking table exists.
func (s *Store) Initialized(ctx context.Context) (bool, error) {
	return s.db.TableExists(ctx, s.table)
}

const recordColumns = `id, migration_number, migration_name, applied_at, applied_by,
	execution_time_ms, checksum, status, error_message, rollback_at, notes`

// Records returns every row ordered by id.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	return s.query(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY id", recordColumns, s.table))
}

// AppliedRecords returns rows with status applied, ordered by number.
func (s *Store) AppliedRecords(ctx context.Context) ([]Record, error) {
	return s.query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE status = ? ORDER BY migration_number, id",
		recordColumns, s.table), string(StatusApplied))
}

// History returns the most recent rows by applied_at, newest first. A
// non-positive limit returns everything.
func (s *Store) History(ctx context.Context, limit int) ([]Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY applied_at DESC, id DESC", recordColumns, s.table)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.query(ctx, query)
}

// InProgress returns rows still marked in_progress for number.
func (s *Store) InProgress(ctx context.Context, number int) ([]Record, error) {
	return s.query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE migration_number = ? AND status = ? ORDER BY id",
		recordColumns, s.table), number, string(StatusInProgress))
}

// BeginApply records an in_progress attempt and returns its id. It fails
// with *errdefs.DuplicateActiveApplyError when the number already has an
// active row, whether found up front or rejected by the unique index.
func (s *Store) BeginApply(ctx context.Context, a Attempt) (int64, error) {
	if err := s.checkNoActive(ctx, a.Number); err != nil {
		return 0, err
	}

	id, err := s.insert(ctx, a, StatusInProgress, 0)
	if err != nil {
		if s.db.IsUniqueViolation(err) {
			dup := &errdefs.DuplicateActiveApplyError{Number: a.Number}
			if rows, qerr := s.InProgress(ctx, a.Number); qerr == nil && len(rows) > 0 {
				dup.RecordID = rows[0].ID
			}
			return 0, dup
		}
		return 0, fmt.Errorf("failed to record apply of migration %s: %w", errdefs.FormatNumber(a.Number), err)
	}

	s.log.LogInfo("apply started", map[string]interface{}{
		"migration": a.Number,
		"record_id": id,
	})
	return id, nil
}

func (s *Store) checkNoActive(ctx context.Context, number int) error {
	var (
		id     int64
		status string
	)
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT id, status FROM %s WHERE migration_number = ? AND status IN (?, ?) ORDER BY id DESC LIMIT 1",
		s.table), number, string(StatusInProgress), string(StatusApplied)).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check for active applies: %w", err)
	}
	return &errdefs.DuplicateActiveApplyError{Number: number, RecordID: id}
}

// CompleteApply moves an in_progress row to applied.
func (s *Store) CompleteApply(ctx context.Context, id int64, executionTimeMs int64, checksum string) error {
	return s.transition(ctx, id, StatusInProgress, StatusApplied,
		"execution_time_ms = ?, checksum = ?, error_message = NULL", executionTimeMs, checksum)
}

// FailApply moves an in_progress row to failed with the error message.
func (s *Store) FailApply(ctx context.Context, id int64, executionTimeMs int64, errMsg string) error {
	return s.transition(ctx, id, StatusInProgress, StatusFailed,
		"execution_time_ms = ?, error_message = ?", executionTimeMs, errMsg)
}

// MarkRolledBack moves an applied or failed row to rolled_back and stamps
// rollback_at. note is appended to the row's notes.
func (s *Store) MarkRolledBack(ctx context.Context, id int64, note string) error {
	var notes sql.NullString
	err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT notes FROM %s WHERE id = ?", s.table), id).Scan(&notes)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read record %d: %w", id, err)
	}

	res, err := s.db.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET status = ?, rollback_at = ?, notes = ? WHERE id = ? AND status IN (?, ?)", s.table),
		string(StatusRolledBack), s.now().UTC(), AppendNote(notes.String, note),
		id, string(StatusApplied), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to mark record %d rolled back: %w", id, err)
	}
	if err := expectOneRow(res, id, "applied or failed"); err != nil {
		return err
	}
	s.log.LogInfo("apply rolled_back", map[string]interface{}{"record_id": id})
	return nil
}

// AppendNote joins notes with "; ", skipping empty parts.
func AppendNote(notes, note string) string {
	switch {
	case note == "":
		return notes
	case notes == "":
		return note
	}
	return notes + "; " + note
}

// RecordManual inserts an applied row without executing anything.
func (s *Store) RecordManual(ctx context.Context, a Attempt) (int64, error) {
	if err := s.checkNoActive(ctx, a.Number); err != nil {
		return 0, err
	}
	id, err := s.insert(ctx, a, StatusApplied, 0)
	if err != nil {
		if s.db.IsUniqueViolation(err) {
			return 0, &errdefs.DuplicateActiveApplyError{Number: a.Number}
		}
		return 0, fmt.Errorf("failed to record migration %s: %w", errdefs.FormatNumber(a.Number), err)
	}
	return id, nil
}

// AbandonInProgress marks every in_progress row of number failed with
// reason and returns how many rows changed. It is the recovery path for an
// apply whose process died before it could record the outcome.
func (s *Store) AbandonInProgress(ctx context.Context, number int, reason string) (int64, error) {
	res, err := s.db.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET status = ?, error_message = ? WHERE migration_number = ? AND status = ?", s.table),
		string(StatusFailed), reason, number, string(StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to abandon in-progress applies of %s: %w", errdefs.FormatNumber(number), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) insert(ctx context.Context, a Attempt, status Status, execMs int64) (int64, error) {
	return s.db.InsertReturningID(ctx, fmt.Sprintf(
		`INSERT INTO %s (migration_number, migration_name, applied_at, applied_by,
			execution_time_ms, checksum, status, notes) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
		a.Number, a.Name, s.now().UTC(), s.operator, execMs, a.Checksum, string(status), a.Notes)
}

func (s *Store) transition(ctx context.Context, id int64, from, to Status, set string, args ...any) error {
	query := fmt.Sprintf("UPDATE %s SET status = ?, %s WHERE id = ? AND status = ?", s.table, set)
	params := append([]any{string(to)}, args...)
	params = append(params, id, string(from))

	res, err := s.db.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to mark record %d %s: %w", id, to, err)
	}
	if err := expectOneRow(res, id, string(from)); err != nil {
		return err
	}
	s.log.LogInfo("apply "+string(to), map[string]interface{}{"record_id": id})
	return nil
}

func expectOneRow(res sql.Result, id int64, wantStatus string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("record %d not found in status %s", id, wantStatus)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracking table %s: %w", s.table, err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			appliedAt  timeValue
			rollbackAt timeValue
			status     string
			errMsg     sql.NullString
			notes      sql.NullString
			appliedBy  sql.NullString
			checksum   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Number, &r.Name, &appliedAt, &appliedBy,
			&r.ExecutionTimeMs, &checksum, &status, &errMsg, &rollbackAt, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan tracking row: %w", err)
		}
		r.AppliedAt = appliedAt.Time
		r.AppliedBy = appliedBy.String
		r.Checksum = checksum.String
		r.Status = Status(status)
		r.Notes = notes.String
		if errMsg.Valid {
			msg := errMsg.String
			r.ErrorMessage = &msg
		}
		if rollbackAt.Valid {
			at := rollbackAt.Time
			r.RollbackAt = &at
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
