package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to TaskState
	}{
		{TaskPending, TaskDispatching},
		{TaskPending, TaskCancelled},
		{TaskDispatching, TaskDispatched},
		{TaskDispatching, TaskPending},
		{TaskDispatching, TaskFailed},
		{TaskDispatching, TaskCancelled},
		{TaskDispatched, TaskCompleted},
		{TaskDispatched, TaskFailed},
		{TaskDispatched, TaskPending},
		{TaskDispatched, TaskCancelled},
	}
	for _, c := range cases {
		require.True(t, CanTransition(c.from, c.to), "expected %s -> %s to be allowed", c.from, c.to)
	}
}

func TestCanTransitionRejectsDisallowedEdges(t *testing.T) {
	cases := []struct {
		from, to TaskState
	}{
		{TaskPending, TaskCompleted},
		{TaskPending, TaskDispatched},
		{TaskCompleted, TaskPending},
		{TaskCancelled, TaskPending},
		{TaskFailed, TaskDispatched},
	}
	for _, c := range cases {
		require.False(t, CanTransition(c.from, c.to), "expected %s -> %s to be rejected", c.from, c.to)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []TaskState{TaskCompleted, TaskFailed, TaskCancelled} {
		require.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}
	for _, s := range []TaskState{TaskPending, TaskDispatching, TaskDispatched} {
		require.False(t, s.IsTerminal(), "expected %s to not be terminal", s)
	}
}

func TestTaskKeyIdentifiesByBackendAndPromptID(t *testing.T) {
	task := &Task{AssignedBackend: "gpu-0", UpstreamPromptID: "p1"}
	require.Equal(t, Key{Backend: "gpu-0", PromptID: "p1"}, task.Key())
}

func TestBackendTotalQueueAndAvailability(t *testing.T) {
	b := &Backend{Status: StatusHealthy, Enabled: true, MaxQueue: 3, Reserved: 1, Pending: 1, Running: 0}
	require.Equal(t, 2, b.TotalQueue())
	require.True(t, b.IsAvailable(), "expected backend below max_queue to be available")
	b.Running = 1
	require.False(t, b.IsAvailable(), "expected backend at max_queue to be unavailable")
}

func TestBackendDrained(t *testing.T) {
	b := &Backend{}
	require.True(t, b.Drained(), "expected a fresh backend to be drained")
	b.Running = 1
	require.False(t, b.Drained(), "expected a backend with running work to not be drained")
}
