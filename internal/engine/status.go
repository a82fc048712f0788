package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/lockplane/ratchet/database"
	"github.com/lockplane/ratchet/internal/conflict"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

// MigrationState classifies a migration in a status report.
type MigrationState string

const (
	StateApplied     MigrationState = "applied"
	StatePending     MigrationState = "pending"
	StateFailed      MigrationState = "failed"
	StateRolledBack  MigrationState = "rolled_back"
	StateInProgress  MigrationState = "in_progress"
	StateMissingFile MigrationState = "missing_file"
	StateSkipped     MigrationState = "skipped"
)

// Pending reports whether the migration still has to be applied.
func (s MigrationState) Pending() bool {
	return s == StatePending || s == StateFailed || s == StateRolledBack
}

// Entry is one line of a status report.
type Entry struct {
	Number      int            `json:"number"`
	Name        string         `json:"name"`
	State       MigrationState `json:"state"`
	File        string         `json:"file,omitempty"`
	HasRollback bool           `json:"has_rollback"`
	Attempts    int            `json:"attempts"`
	Latest      *state.Record  `json:"latest,omitempty"`
	Drifted     bool           `json:"drifted,omitempty"`
}

// StatusReport is the union of files and tracking rows.
type StatusReport struct {
	Dialect     database.Dialect `json:"dialect"`
	Table       string           `json:"tracking_table"`
	Initialized bool             `json:"initialized"`
	Migrations  []Entry          `json:"migrations"`
	Conflicts   conflict.Report  `json:"conflicts"`
	Malformed   []string         `json:"malformed,omitempty"`
}

// Count returns how many entries are in state s.
func (r *StatusReport) Count(s MigrationState) int {
	n := 0
	for _, e := range r.Migrations {
		if e.State == s {
			n++
		}
	}
	return n
}

// PendingCount counts entries still to apply.
func (r *StatusReport) PendingCount() int {
	n := 0
	for _, e := range r.Migrations {
		if e.State.Pending() {
			n++
		}
	}
	return n
}

// Err reports blocking conflicts and malformed names.
func (r *StatusReport) Err() error {
	errs := []error{r.Conflicts.Err()}
	for _, m := range r.Malformed {
		errs = append(errs, errors.New(m))
	}
	return errors.Join(errs...)
}

// Status classifies every migration file and tracking row. Conflicts, drift
// and malformed names are reported, never returned as errors.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	catalog, err := e.reader.Scan()
	if err != nil {
		return nil, err
	}
	records, initialized, err := e.records(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Dialect:     e.cfg.Dialect,
		Table:       e.store.Table(),
		Initialized: initialized,
		Conflicts:   e.analyze(catalog.Descriptors, records),
	}
	for _, m := range catalog.Malformed {
		report.Malformed = append(report.Malformed, m.Error())
	}

	type key struct {
		number int
		name   string
	}
	byKey := map[key][]state.Record{}
	var keys []key
	for _, r := range records {
		k := key{r.Number, r.Name}
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], r)
	}
	files := map[int]int{}
	for _, d := range catalog.Descriptors {
		files[d.Number]++
	}
	drifted := map[int]bool{}
	for _, c := range report.Conflicts.Conflicts {
		if c.Kind == conflict.KindDrift {
			drifted[c.Migrations[0]] = true
		}
	}

	// A file is matched to the rows carrying its own name. The only file
	// of a number also takes rows written under an earlier name.
	claimed := map[key]bool{}
	for _, d := range catalog.Descriptors {
		entry := Entry{
			Number:      d.Number,
			Name:        d.Name,
			File:        d.FilePath,
			HasRollback: d.HasRollback(),
			Drifted:     drifted[d.Number],
		}
		own := key{d.Number, d.Name}
		rows := byKey[own]
		claimed[own] = true
		if files[d.Number] == 1 {
			rows = nil
			for _, k := range keys {
				if k.number == d.Number {
					rows = append(rows, byKey[k]...)
					claimed[k] = true
				}
			}
			sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		}
		classify(&entry, rows)
		if entry.State == StatePending && !d.Targets(e.cfg.Dialect) {
			entry.State = StateSkipped
		}
		report.Migrations = append(report.Migrations, entry)
	}

	for _, k := range keys {
		if claimed[k] {
			continue
		}
		rows := byKey[k]
		entry := Entry{Number: k.number, Name: k.name}
		classify(&entry, rows)
		if entry.State == StateApplied {
			entry.State = StateMissingFile
		}
		report.Migrations = append(report.Migrations, entry)
	}

	sort.SliceStable(report.Migrations, func(i, j int) bool {
		a, b := report.Migrations[i], report.Migrations[j]
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Name < b.Name
	})
	return report, nil
}

// classify derives the state from a number's rows, ordered by id. An
// applied row wins; otherwise the newest attempt decides.
func classify(entry *Entry, rows []state.Record) {
	entry.Attempts = len(rows)
	if len(rows) == 0 {
		entry.State = StatePending
		return
	}
	latest := rows[len(rows)-1]
	for i := range rows {
		if rows[i].Status == state.StatusApplied {
			latest = rows[i]
		}
	}
	entry.Latest = &latest
	switch latest.Status {
	case state.StatusApplied:
		entry.State = StateApplied
	case state.StatusInProgress:
		entry.State = StateInProgress
	case state.StatusFailed:
		entry.State = StateFailed
	case state.StatusRolledBack:
		entry.State = StateRolledBack
	default:
		entry.State = StatePending
	}
}

// Pending returns migrations for this dialect with no applied row, in
// number order. Malformed file names fail the call.
func (e *Engine) Pending(ctx context.Context) ([]source.Descriptor, error) {
	descriptors, err := e.reader.List()
	if err != nil {
		return nil, err
	}
	records, _, err := e.records(ctx)
	if err != nil {
		return nil, err
	}
	return e.pending(descriptors, records), nil
}

func (e *Engine) pending(descriptors []source.Descriptor, records []state.Record) []source.Descriptor {
	applied := appliedNumbers(records)
	appliedNames := map[string]bool{}
	for _, r := range records {
		if r.Status == state.StatusApplied {
			appliedNames[source.Label(r.Number, r.Name)] = true
		}
	}
	files := map[int]int{}
	for _, d := range descriptors {
		files[d.Number]++
	}

	var out []source.Descriptor
	for _, d := range e.targeted(descriptors) {
		if _, ok := applied[d.Number]; ok && (files[d.Number] == 1 || appliedNames[d.Label()]) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// History returns the newest tracking rows first. A non-positive limit
// returns all of them.
func (e *Engine) History(ctx context.Context, limit int) ([]state.Record, error) {
	if err := e.requireInitialized(ctx); err != nil {
		return nil, err
	}
	return e.store.History(ctx, limit)
}

// Check runs the conflict detector and drift validator. The returned error
// joins every blocking problem, including malformed file names, so one run
// reports all of them.
func (e *Engine) Check(ctx context.Context) (conflict.Report, error) {
	catalog, err := e.reader.Scan()
	if err != nil {
		return conflict.Report{}, err
	}
	records, _, err := e.records(ctx)
	if err != nil {
		return conflict.Report{}, err
	}
	report := e.analyze(catalog.Descriptors, records)
	return report, errors.Join(catalog.Err(), report.Err())
}
