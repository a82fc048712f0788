// Package conflict checks a migration set for problems that must be fixed
// before anything is applied. Detect is pure: it reads descriptors and
// tracking records and never touches a database.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

// Kind classifies a conflict.
type Kind string

const (
	KindDuplicateNumber   Kind = "duplicate_number"
	KindMissingDependency Kind = "missing_dependency"
	KindCyclicDependency  Kind = "cyclic_dependency"
	KindDrift             Kind = "drift"
	KindOutOfOrder        Kind = "out_of_order"
)

var kindRank = map[Kind]int{
	KindDuplicateNumber:   0,
	KindMissingDependency: 1,
	KindCyclicDependency:  2,
	KindDrift:             3,
	KindOutOfOrder:        4,
}

// Conflict is one finding. Err is the typed error behind it.
type Conflict struct {
	Kind       Kind   `json:"kind"`
	Migrations []int  `json:"migrations"`
	Detail     string `json:"detail"`
	Blocking   bool   `json:"blocking"`
	Hint       string `json:"hint,omitempty"`
	Err        error  `json:"-"`
}

// New builds a conflict from a typed error.
func New(kind Kind, migrations []int, blocking bool, err error) Conflict {
	return Conflict{
		Kind:       kind,
		Migrations: migrations,
		Detail:     err.Error(),
		Blocking:   blocking,
		Hint:       errdefs.Hint(err),
		Err:        err,
	}
}

// Report is a deterministic, sorted list of conflicts.
type Report struct {
	Conflicts []Conflict `json:"conflicts"`
}

// Empty reports whether nothing was found.
func (r Report) Empty() bool { return len(r.Conflicts) == 0 }

// Blocking returns the conflicts that prevent apply.
func (r Report) Blocking() []Conflict {
	return r.filter(true)
}

// Warnings returns the non-blocking conflicts.
func (r Report) Warnings() []Conflict {
	return r.filter(false)
}

func (r Report) filter(blocking bool) []Conflict {
	var out []Conflict
	for _, c := range r.Conflicts {
		if c.Blocking == blocking {
			out = append(out, c)
		}
	}
	return out
}

// Err joins the errors of all blocking conflicts, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, c := range r.Blocking() {
		errs = append(errs, c.Err)
	}
	return errors.Join(errs...)
}

// Involves reports whether any conflict names migration n.
func (r Report) Involves(n int) bool {
	for _, c := range r.Conflicts {
		for _, m := range c.Migrations {
			if m == n {
				return true
			}
		}
	}
	return false
}

// BlocksMigration reports whether a blocking conflict names migration n.
func (r Report) BlocksMigration(n int) bool {
	for _, c := range r.Blocking() {
		for _, m := range c.Migrations {
			if m == n {
				return true
			}
		}
	}
	return false
}

// Merge returns a new report holding r's conflicts plus extra, re-sorted.
func (r Report) Merge(extra ...Conflict) Report {
	all := make([]Conflict, 0, len(r.Conflicts)+len(extra))
	all = append(all, r.Conflicts...)
	all = append(all, extra...)
	sortConflicts(all)
	return Report{Conflicts: all}
}

// Find returns the first conflict of kind that names migration n.
func (r Report) Find(kind Kind, n int) (Conflict, bool) {
	for _, c := range r.Conflicts {
		if c.Kind != kind {
			continue
		}
		for _, m := range c.Migrations {
			if m == n {
				return c, true
			}
		}
	}
	return Conflict{}, false
}

// Detect runs every structural check over descriptors against the applied
// records. A number counts as applied when any record for it has status
// applied. A file that reuses an applied number under another name is a
// duplicate of the applied migration, unless it is the only file with that
// number, which makes it a rename.
func Detect(descriptors []source.Descriptor, records []state.Record) Report {
	applied := map[int]bool{}
	appliedName := map[int]string{}
	highest := 0
	for _, r := range records {
		if r.Status != state.StatusApplied {
			continue
		}
		if !applied[r.Number] {
			appliedName[r.Number] = r.Name
		}
		applied[r.Number] = true
		if r.Number > highest {
			highest = r.Number
		}
	}

	var conflicts []Conflict

	onDisk := map[int][]source.Descriptor{}
	for _, d := range descriptors {
		if applied[d.Number] {
			onDisk[d.Number] = append(onDisk[d.Number], d)
		}
	}
	for n, group := range onDisk {
		if len(group) < 2 {
			continue
		}
		name := appliedName[n]
		recorded := source.Label(n, name) + ".sql"
		files := []string{recorded}
		for _, d := range group {
			if d.Name != name {
				files = append(files, d.FileName())
			}
		}
		sort.Strings(files)
		conflicts = append(conflicts, New(KindDuplicateNumber, []int{n}, true,
			&errdefs.DuplicateNumberError{Number: n, Files: files, Applied: recorded}))
	}

	byNumber := map[int][]source.Descriptor{}
	var pending []int
	for _, d := range descriptors {
		if applied[d.Number] {
			continue
		}
		if _, seen := byNumber[d.Number]; !seen {
			pending = append(pending, d.Number)
		}
		byNumber[d.Number] = append(byNumber[d.Number], d)
	}
	sort.Ints(pending)

	for _, n := range pending {
		group := byNumber[n]
		if len(group) < 2 {
			continue
		}
		files := make([]string, len(group))
		for i, d := range group {
			files[i] = d.FileName()
		}
		sort.Strings(files)
		conflicts = append(conflicts, New(KindDuplicateNumber, []int{n}, true,
			&errdefs.DuplicateNumberError{Number: n, Files: files}))
	}

	graph := dependencyGraph(pending, byNumber)
	cycles := findCycles(pending, graph)
	inCycle := map[[2]int]bool{}
	for _, cycle := range cycles {
		for i, n := range cycle {
			inCycle[[2]int{n, cycle[(i+1)%len(cycle)]}] = true
		}
		conflicts = append(conflicts, New(KindCyclicDependency, cycle, true,
			&errdefs.CyclicDependencyError{Cycle: cycle}))
	}

	for _, n := range pending {
		for _, dep := range dependenciesOf(byNumber[n]) {
			if applied[dep] || inCycle[[2]int{n, dep}] {
				continue
			}
			if _, ok := byNumber[dep]; ok && dep < n {
				continue
			}
			conflicts = append(conflicts, New(KindMissingDependency, []int{n, dep}, true,
				&errdefs.MissingDependencyError{Number: n, Dependency: dep}))
		}
	}

	for _, n := range pending {
		if n < highest {
			conflicts = append(conflicts, New(KindOutOfOrder, []int{n}, false,
				&errdefs.OutOfOrderError{Number: n, HighestApplied: highest}))
		}
	}

	sortConflicts(conflicts)
	return Report{Conflicts: conflicts}
}

// dependenciesOf merges the declared dependencies of every file sharing a
// number.
func dependenciesOf(group []source.Descriptor) []int {
	seen := map[int]bool{}
	var deps []int
	for _, d := range group {
		for _, dep := range d.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
	}
	sort.Ints(deps)
	return deps
}

// dependencyGraph keeps only edges between pending migrations.
func dependencyGraph(pending []int, byNumber map[int][]source.Descriptor) map[int][]int {
	graph := make(map[int][]int, len(pending))
	for _, n := range pending {
		for _, dep := range dependenciesOf(byNumber[n]) {
			if _, ok := byNumber[dep]; ok {
				graph[n] = append(graph[n], dep)
			}
		}
	}
	return graph
}

// findCycles walks the graph depth first with a recursion stack. Each cycle
// is rotated to start at its smallest member and reported once.
func findCycles(nodes []int, graph map[int][]int) [][]int {
	const (
		unvisited = iota
		onStack
		finished
	)
	color := map[int]int{}
	var stack []int
	seen := map[string]bool{}
	var cycles [][]int

	var visit func(n int)
	visit = func(n int) {
		color[n] = onStack
		stack = append(stack, n)
		for _, next := range graph[n] {
			switch color[next] {
			case unvisited:
				visit(next)
			case onStack:
				start := len(stack) - 1
				for stack[start] != next {
					start--
				}
				cycle := canonicalCycle(stack[start:])
				key := fmt.Sprint(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = finished
	}

	for _, n := range nodes {
		if color[n] == unvisited {
			visit(n)
		}
	}
	return cycles
}

func canonicalCycle(path []int) []int {
	minAt := 0
	for i, n := range path {
		if n < path[minAt] {
			minAt = i
		}
	}
	cycle := make([]int, 0, len(path))
	cycle = append(cycle, path[minAt:]...)
	cycle = append(cycle, path[:minAt]...)
	return cycle
}

func sortConflicts(conflicts []Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if fa, fb := first(a.Migrations), first(b.Migrations); fa != fb {
			return fa < fb
		}
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		if c := compareInts(a.Migrations, b.Migrations); c != 0 {
			return c < 0
		}
		return a.Detail < b.Detail
	})
}

func first(ns []int) int {
	if len(ns) == 0 {
		return 0
	}
	return ns[0]
}

func compareInts(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Summary renders one line per conflict, for logs.
func (r Report) Summary() string {
	lines := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		lines[i] = fmt.Sprintf("[%s] %s", c.Kind, c.Detail)
	}
	return strings.Join(lines, "\n")
}
