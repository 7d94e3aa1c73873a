package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandValidation(t *testing.T) {
	_, err := NewCommand("", "restart_agent", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewCommand("agent-1", "", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	cmd, err := NewCommand("agent-1", "restart_agent", nil)
	require.NoError(t, err)
	assert.Equal(t, CommandQueued, cmd.Status)
	assert.Contains(t, cmd.ID, "cmd-")
	assert.NotNil(t, cmd.Parameters)
}

func TestScheduledCommandTargetValidation(t *testing.T) {
	at := time.Now().Add(time.Hour)

	_, err := NewScheduledCommand("", nil, "reboot", nil, at, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewScheduledCommand("agent-1", []string{"agent-2"}, "reboot", nil, at, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewScheduledCommand("agent-1", nil, "reboot", nil, at, -time.Second, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	single, err := NewScheduledCommand("agent-1", nil, "reboot", nil, at, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, single.MaxRepeats)
	assert.False(t, single.IsBulk())

	bulk, err := NewScheduledCommand("", []string{"a", "b"}, "reboot", nil, at, 0, 2)
	require.NoError(t, err)
	assert.True(t, bulk.IsBulk())
}

func TestScheduledCommandDueAndFire(t *testing.T) {
	now := time.Now().UTC()

	sched, err := NewScheduledCommand("agent-1", nil, "reboot", nil, now.Add(-time.Minute), time.Hour, 3)
	require.NoError(t, err)

	assert.True(t, sched.Due(now))

	sched.RecordFire(now)
	assert.Equal(t, 1, sched.RepeatsDone)
	assert.False(t, sched.Due(now), "next fire moved an hour out")
	assert.True(t, sched.Due(now.Add(time.Hour)))

	sched.RecordFire(now.Add(time.Hour))
	sched.RecordFire(now.Add(2 * time.Hour))
	assert.True(t, sched.Exhausted())
	assert.False(t, sched.Due(now.Add(24*time.Hour)))
}

func TestScheduledCommandCancelledNeverDue(t *testing.T) {
	sched, err := NewScheduledCommand("agent-1", nil, "reboot", nil, time.Now().Add(-time.Hour), 0, 1)
	require.NoError(t, err)

	sched.Cancelled = true
	assert.False(t, sched.Due(time.Now()))
}

func TestNewBulkOperationDeduplicatesTargets(t *testing.T) {
	_, err := NewBulkOperation("reboot", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewBulkOperation("reboot", []string{"a", ""}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	op, err := NewBulkOperation("reboot", []string{"a", "b", "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, op.TargetAgents)
}

func TestFoldBulkStatus(t *testing.T) {
	assert.Equal(t, BulkPending, FoldBulkStatus(nil))

	assert.Equal(t, BulkPending, FoldBulkStatus(map[string]CommandStatus{
		"a": CommandCompleted,
		"b": CommandSent,
	}))

	assert.Equal(t, BulkCompleted, FoldBulkStatus(map[string]CommandStatus{
		"a": CommandCompleted,
		"b": CommandCompleted,
	}))

	assert.Equal(t, BulkPartialFailure, FoldBulkStatus(map[string]CommandStatus{
		"a": CommandCompleted,
		"b": CommandFailed,
	}))

	assert.Equal(t, BulkPartialFailure, FoldBulkStatus(map[string]CommandStatus{
		"a": CommandTimedOut,
		"b": CommandTimedOut,
	}))
}

func TestScriptDeploymentChecksum(t *testing.T) {
	_, err := NewScriptDeployment("", "echo hi", "bash", []string{"a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewScriptDeployment("hello", "", "bash", []string{"a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewScriptDeployment("hello", "echo hi", "bash", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	first, err := NewScriptDeployment("hello", "echo hi", "bash", []string{"a"})
	require.NoError(t, err)
	second, err := NewScriptDeployment("hello", "echo hi", "bash", []string{"b"})
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum, "same content, same fingerprint")
	assert.Len(t, first.Checksum, 64)

	changed, err := NewScriptDeployment("hello", "echo bye", "bash", []string{"a"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Checksum, changed.Checksum)
}
