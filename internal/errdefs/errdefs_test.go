package errdefs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHintFollowsWrapChain(t *testing.T) {
	base := &LockContentionError{Key: "ratchet_migrations"}
	wrapped := fmt.Errorf("apply 004: %w", base)

	assert.Equal(t, base.Hint(), Hint(wrapped))
	assert.Equal(t, "", Hint(errors.New("plain")))
}

func TestHintsCollectsJoinedErrors(t *testing.T) {
	err := errors.Join(
		&MissingDependencyError{Number: 4, Dependency: 9},
		&CyclicDependencyError{Cycle: []int{5, 6}},
		&CyclicDependencyError{Cycle: []int{7, 8}},
	)

	hints := Hints(err)
	require.Len(t, hints, 2)
	assert.Contains(t, hints[0], "009")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lock contention", &LockContentionError{Key: "k"}, true},
		{"wrapped lock contention", fmt.Errorf("x: %w", &LockContentionError{Key: "k"}), true},
		{"duplicate active apply", &DuplicateActiveApplyError{Number: 3}, true},
		{"drift", &DriftDetectedError{Number: 1}, false},
		{"timeout", &TimeoutError{Number: 1, Timeout: time.Second}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestSentinels(t *testing.T) {
	assert.ErrorIs(t, &DuplicateNumberError{Number: 2}, ErrConflict)
	assert.ErrorIs(t, &OutOfOrderError{Number: 2}, ErrConflict)
	assert.ErrorIs(t, &DriftDetectedError{Number: 2}, ErrDrift)
	assert.ErrorIs(t, &TimeoutError{Number: 2}, ErrTimeout)
	assert.ErrorIs(t, &NotFoundError{Ref: "x"}, ErrNotFound)
	assert.ErrorIs(t, &ConfirmationRequiredError{Operation: "mark-applied"}, ErrNotConfirmed)

	cause := errors.New("syntax error")
	exec := &ApplyExecutionError{Number: 3, Err: cause}
	assert.ErrorIs(t, exec, ErrExecutionFailed)
	assert.ErrorIs(t, exec, cause)
}

func TestCyclicDependencyMessage(t *testing.T) {
	err := &CyclicDependencyError{Cycle: []int{5, 6, 7}}
	assert.Equal(t, "cyclic migration dependency: 005 -> 006 -> 007 -> 005", err.Error())
}

func TestApplyExecutionErrorMessage(t *testing.T) {
	err := &ApplyExecutionError{Number: 12, Statement: 3, Partial: true, Err: errors.New("boom")}
	assert.Contains(t, err.Error(), "012 failed at statement 3")
	assert.Contains(t, err.Error(), "no rollback script")
	assert.Contains(t, err.Hint(), "inspect")

	err.RollbackApplied = true
	assert.Contains(t, err.Error(), "restored")
}
