package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/model"
)

func TestStartNoopWhenDisabled(t *testing.T) {
	l := New(config.AuditConfig{Enabled: false})
	require.NoError(t, l.Start(context.Background()))
	require.False(t, l.started, "a disabled log must not mark itself started")
	require.NoError(t, l.HealthCheck(), "a disabled log must report healthy")
}

func TestRecordTaskTerminalNoopBeforeStart(t *testing.T) {
	l := New(config.AuditConfig{Enabled: true, Driver: "sqlite", DSN: "file::memory:?cache=shared"})
	// Never started; must not panic or block.
	l.RecordTaskTerminal("a", model.TaskCompleted, "", "")
}

func TestOpenRejectsUnsupportedDriver(t *testing.T) {
	_, err := open(config.AuditConfig{Driver: "oracle"})
	require.Error(t, err)
}

func TestRecordTaskTerminalWritesRow(t *testing.T) {
	l := New(config.AuditConfig{Enabled: true, Driver: "sqlite", DSN: "file::memory:?cache=shared"})
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop(context.Background())

	l.RecordTaskTerminal("task-1", model.TaskFailed, "SubmitRejected", "backend rejected prompt")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		l.db.Model(&Entry{}).Where("task_id = ?", "task-1").Count(&count)
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected exactly one audit row for task-1 within the timeout")
}

func TestRecordTaskTerminalDropsOnFullQueue(t *testing.T) {
	l := New(config.AuditConfig{Enabled: true})
	l.started = true // simulate Start without a live db; run() goroutine is not running
	for i := 0; i < recordQueueSize; i++ {
		l.RecordTaskTerminal("x", model.TaskCompleted, "", "")
	}
	// The queue is now full; one more call must return rather than block.
	done := make(chan struct{})
	go func() {
		l.RecordTaskTerminal("overflow", model.TaskCompleted, "", "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RecordTaskTerminal to drop rather than block on a full queue")
	}
}

func TestRecordAdminMutationWritesRow(t *testing.T) {
	l := New(config.AuditConfig{Enabled: true, Driver: "sqlite", DSN: "file::memory:?cache=shared"})
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop(context.Background())

	l.RecordAdminMutation("add_backend", "gpu-0", "host=127.0.0.1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int64
		l.db.Model(&AdminEntry{}).Where("target = ?", "gpu-0").Count(&count)
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected exactly one audit row for gpu-0 within the timeout")
}

func TestRecordAdminMutationDropsOnFullQueue(t *testing.T) {
	l := New(config.AuditConfig{Enabled: true})
	l.started = true // simulate Start without a live db; run() goroutine is not running
	for i := 0; i < recordQueueSize; i++ {
		l.RecordAdminMutation("set_strategy", "round_robin", "")
	}
	done := make(chan struct{})
	go func() {
		l.RecordAdminMutation("set_strategy", "overflow", "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RecordAdminMutation to drop rather than block on a full queue")
	}
}
