package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusPending, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func TestIsValidTransition_Table(t *testing.T) {
	valid := map[[2]Status]bool{
		{StatusPending, StatusQueued}:    true,
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusQueued, StatusRunning}:    true,
		{StatusQueued, StatusFailed}:     true,
		{StatusQueued, StatusCancelled}:  true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
		{StatusFailed, StatusPending}:    true, // retry
		{StatusCancelled, StatusPending}: true, // retry
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := valid[[2]Status{from, to}] || from == to
			require.Equal(t, want, IsValidTransition(from, to),
				"IsValidTransition(%s, %s)", from, to)
		}
	}
}

func TestIsTerminalAndIsActive(t *testing.T) {
	require.True(t, IsTerminal(StatusCompleted))
	require.True(t, IsTerminal(StatusFailed))
	require.True(t, IsTerminal(StatusCancelled))
	require.False(t, IsTerminal(StatusPending))
	require.False(t, IsTerminal(StatusRunning))

	require.True(t, IsActive(StatusQueued))
	require.True(t, IsActive(StatusRunning))
	require.False(t, IsActive(StatusPending))
	require.False(t, IsActive(StatusCompleted))
}

func TestMachine_AcceptedTransitionAppendsOneRecord(t *testing.T) {
	m := NewMachine("task-1", StatusPending)

	require.True(t, m.Transition(StatusQueued, "scheduled"))
	require.True(t, m.Transition(StatusRunning, "deployed"))
	require.True(t, m.Transition(StatusCompleted, "done"))

	history := m.History()
	require.Len(t, history, 3)
	require.Equal(t, Record{From: StatusPending, To: StatusQueued, Reason: "scheduled", At: history[0].At}, history[0])
	require.Equal(t, StatusQueued, history[1].From)
	require.Equal(t, StatusRunning, history[1].To)
	require.Equal(t, StatusCompleted, m.Current())
}

func TestMachine_InvalidTransitionRejectedAndStateUnchanged(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if IsValidTransition(from, to) {
				continue
			}
			m := NewMachine("t", from)
			require.False(t, m.Transition(to, ""), "%s -> %s", from, to)
			require.Equal(t, from, m.Current())
			require.Empty(t, m.History())
		}
	}
}

func TestMachine_SelfTransitionIsNoop(t *testing.T) {
	m := NewMachine("task-1", StatusRunning)
	require.True(t, m.Transition(StatusRunning, "still running"))
	require.Empty(t, m.History())
	require.Equal(t, StatusRunning, m.Current())
}

func TestMachine_CompletedIsFinal(t *testing.T) {
	m := NewMachine("task-1", StatusCompleted)
	for _, to := range allStatuses {
		if to == StatusCompleted {
			continue
		}
		require.False(t, m.Transition(to, ""), "completed must not reach %s", to)
	}
}

func TestMachine_RetryFromFailedAndCancelled(t *testing.T) {
	m := NewMachine("task-1", StatusFailed)
	require.True(t, m.Transition(StatusPending, "retry"))
	require.Equal(t, StatusPending, m.Current())

	m = NewMachine("task-2", StatusCancelled)
	require.True(t, m.Transition(StatusPending, "retry"))
	require.Equal(t, StatusPending, m.Current())
}

func TestMachine_ForceStateBypassesValidation(t *testing.T) {
	m := NewMachine("task-1", StatusCompleted)
	m.ForceState(StatusPending, "operator reset")

	require.Equal(t, StatusPending, m.Current())
	history := m.History()
	require.Len(t, history, 1)
	require.True(t, history[0].Forced)
	require.Equal(t, "operator reset", history[0].Reason)
}

func TestMachine_LenientAllowsInvalidTransitions(t *testing.T) {
	m := NewMachine("task-1", StatusCompleted, Lenient())
	require.True(t, m.Transition(StatusRunning, "agent resumed"))
	require.Equal(t, StatusRunning, m.Current())
	require.Len(t, m.History(), 1)
	require.False(t, m.History()[0].Forced)
}
