package conflict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

func desc(n int, name string, deps ...int) source.Descriptor {
	return source.Descriptor{
		Number:    n,
		Name:      name,
		FilePath:  "migrations/" + errdefs.FormatNumber(n) + "_" + name + ".sql",
		DependsOn: deps,
	}
}

func applied(numbers ...int) []state.Record {
	records := make([]state.Record, len(numbers))
	for i, n := range numbers {
		records[i] = state.Record{ID: int64(i + 1), Number: n, Status: state.StatusApplied}
	}
	return records
}

func kinds(r Report) []Kind {
	out := make([]Kind, len(r.Conflicts))
	for i, c := range r.Conflicts {
		out[i] = c.Kind
	}
	return out
}

func TestDetectCleanSet(t *testing.T) {
	descriptors := []source.Descriptor{
		desc(1, "create_users"),
		desc(2, "create_posts", 1),
		desc(3, "add_index", 1, 2),
	}

	assert.True(t, Detect(descriptors, nil).Empty())
	assert.True(t, Detect(descriptors, applied(1)).Empty())
	assert.True(t, Detect(descriptors, applied(1, 2, 3)).Empty())
	assert.NoError(t, Detect(descriptors, nil).Err())
}

func TestDetectDuplicateNumber(t *testing.T) {
	report := Detect([]source.Descriptor{
		desc(4, "a"),
		desc(5, "a"),
		desc(5, "b"),
	}, nil)

	require.Len(t, report.Conflicts, 1)
	c := report.Conflicts[0]
	assert.Equal(t, KindDuplicateNumber, c.Kind)
	assert.Equal(t, []int{5}, c.Migrations)
	assert.True(t, c.Blocking)
	assert.Contains(t, c.Detail, "005_a.sql")
	assert.Contains(t, c.Detail, "005_b.sql")

	var dup *errdefs.DuplicateNumberError
	require.ErrorAs(t, report.Err(), &dup)
	assert.ErrorIs(t, report.Err(), errdefs.ErrConflict)
}

func TestDetectNewFileReusingAppliedNumber(t *testing.T) {
	records := []state.Record{{ID: 1, Number: 5, Name: "a", Status: state.StatusApplied}}
	report := Detect([]source.Descriptor{desc(5, "a"), desc(5, "b")}, records)

	c, ok := report.Find(KindDuplicateNumber, 5)
	require.True(t, ok)
	assert.True(t, c.Blocking)
	assert.True(t, report.BlocksMigration(5))

	var dup *errdefs.DuplicateNumberError
	require.ErrorAs(t, report.Err(), &dup)
	assert.Equal(t, []string{"005_a.sql", "005_b.sql"}, dup.Files)
	assert.Equal(t, "005_a.sql", dup.Applied)
	assert.Contains(t, c.Hint, "keep 005_a.sql")
}

func TestDetectAppliedNumberWithRecordedFileGone(t *testing.T) {
	records := []state.Record{{ID: 1, Number: 5, Name: "a", Status: state.StatusApplied}}
	report := Detect([]source.Descriptor{desc(5, "b"), desc(5, "c")}, records)

	var dup *errdefs.DuplicateNumberError
	require.ErrorAs(t, report.Err(), &dup)
	assert.Equal(t, []string{"005_a.sql", "005_b.sql", "005_c.sql"}, dup.Files)
}

func TestDetectRenamedAppliedFileIsNotADuplicate(t *testing.T) {
	records := []state.Record{{ID: 1, Number: 5, Name: "a", Status: state.StatusApplied}}
	assert.True(t, Detect([]source.Descriptor{desc(5, "renamed")}, records).Empty())
}

func TestDetectMissingDependency(t *testing.T) {
	tests := []struct {
		name        string
		descriptors []source.Descriptor
		records     []state.Record
		want        [][]int
	}{
		{
			name:        "dependency absent",
			descriptors: []source.Descriptor{desc(1, "a", 10)},
			want:        [][]int{{1, 10}},
		},
		{
			name:        "dependency pending with a larger number",
			descriptors: []source.Descriptor{desc(1, "a", 2), desc(2, "b")},
			want:        [][]int{{1, 2}},
		},
		{
			name:        "dependency applied",
			descriptors: []source.Descriptor{desc(3, "c", 1)},
			records:     applied(1),
		},
		{
			name:        "dependency applied but file archived",
			descriptors: []source.Descriptor{desc(7, "g", 2)},
			records:     applied(1, 2, 3, 4, 5, 6),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Detect(tt.descriptors, tt.records)
			var got [][]int
			for _, c := range report.Conflicts {
				require.Equal(t, KindMissingDependency, c.Kind)
				got = append(got, c.Migrations)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectCycleReportedOnce(t *testing.T) {
	report := Detect([]source.Descriptor{
		desc(1, "a", 3),
		desc(2, "b", 1),
		desc(3, "c", 2),
	}, nil)

	require.Equal(t, []Kind{KindCyclicDependency}, kinds(report))
	assert.Equal(t, []int{1, 3, 2}, report.Conflicts[0].Migrations)

	var cyc *errdefs.CyclicDependencyError
	require.ErrorAs(t, report.Err(), &cyc)
	assert.Equal(t, "cyclic migration dependency: 001 -> 003 -> 002 -> 001", cyc.Error())
}

func TestDetectSelfDependencyIsACycle(t *testing.T) {
	report := Detect([]source.Descriptor{desc(4, "d", 4)}, nil)
	require.Equal(t, []Kind{KindCyclicDependency}, kinds(report))
	assert.Equal(t, []int{4}, report.Conflicts[0].Migrations)
}

func TestDetectOutOfOrderIsWarning(t *testing.T) {
	report := Detect([]source.Descriptor{
		desc(1, "a"),
		desc(2, "b"),
		desc(3, "c"),
	}, applied(1, 3))

	require.Equal(t, []Kind{KindOutOfOrder}, kinds(report))
	assert.Empty(t, report.Blocking())
	assert.Len(t, report.Warnings(), 1)
	assert.NoError(t, report.Err())
	assert.True(t, report.Involves(2))
	assert.False(t, report.BlocksMigration(2))
}

func TestDetectIsDeterministic(t *testing.T) {
	descriptors := []source.Descriptor{
		desc(9, "z", 42),
		desc(2, "b", 8),
		desc(8, "h", 2),
		desc(6, "f"),
		desc(6, "e"),
		desc(1, "a"),
	}
	reversed := make([]source.Descriptor, len(descriptors))
	for i, d := range descriptors {
		reversed[len(descriptors)-1-i] = d
	}

	a := Detect(descriptors, applied(7))
	b := Detect(reversed, applied(7))
	assert.Equal(t, kinds(a), kinds(b))
	for i := range a.Conflicts {
		assert.Equal(t, a.Conflicts[i].Migrations, b.Conflicts[i].Migrations)
	}

	assert.Equal(t, []Kind{
		KindOutOfOrder,
		KindCyclicDependency,
		KindOutOfOrder,
		KindDuplicateNumber,
		KindOutOfOrder,
		KindMissingDependency,
	}, kinds(a))
}

func TestMergeResorts(t *testing.T) {
	report := Detect([]source.Descriptor{desc(2, "b"), desc(3, "c", 10)}, nil)
	merged := report.Merge(New(KindDrift, []int{1}, true, &errdefs.DriftDetectedError{Number: 1, Name: "a"}))

	require.Len(t, merged.Conflicts, 2)
	assert.Equal(t, KindDrift, merged.Conflicts[0].Kind)
	assert.Equal(t, KindMissingDependency, merged.Conflicts[1].Kind)
	assert.True(t, errors.Is(merged.Err(), errdefs.ErrDrift))
	assert.Len(t, report.Conflicts, 1)
}
