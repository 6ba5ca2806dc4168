package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
)

// historyPollInterval governs the fallback sweep that catches terminal
// events the Event Hub's WebSocket feed missed (upstream reconnect gap,
// a frame lost before the hub resubscribed). The WS feed is primary and
// this poll is a backstop, so the interval is coarse relative to it.
const (
	historyPollInterval = 5 * time.Second
	historyPollAge      = 10 * time.Second
)

func (d *Dispatcher) historyPollLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(historyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollStaleDispatched(ctx)
		}
	}
}

func (d *Dispatcher) pollStaleDispatched(ctx context.Context) {
	cutoff := time.Now().Add(-historyPollAge)
	for _, task := range d.store.ListDispatchedOlderThan(cutoff) {
		client, ok := d.clients.Get(task.AssignedBackend)
		if !ok {
			continue
		}
		entry, err := client.QueryHistory(ctx, task.UpstreamPromptID)
		if err != nil {
			continue // not finished yet, or transiently unreachable
		}
		d.completeFromHistory(task.ID, task.AssignedBackend, entry.Status, entry.Outputs)
	}
}

func (d *Dispatcher) completeFromHistory(taskID, backend, status string, outputs []byte) {
	state := model.TaskCompleted
	kind := ""
	message := ""
	if status != "" && status != "success" {
		state = model.TaskFailed
		kind = "UpstreamExecutionError"
		message = status
	}
	d.finishTask(taskID, backend, state, kind, message)
}

// OnTerminalFrame is called by the Event Hub whenever it classifies an
// incoming WebSocket frame as execution_success/execution_error/
// execution_interrupted for a task it has mapped to (backend, prompt_id).
// This is the primary completion path; history polling is the backstop.
func (d *Dispatcher) OnTerminalFrame(task *model.Task, kind model.TerminalKind, message string) {
	state := model.TaskCompleted
	errKind := ""
	if kind == model.TerminalError {
		state = model.TaskFailed
		errKind = "UpstreamExecutionError"
	}
	d.finishTask(task.ID, task.AssignedBackend, state, errKind, message)
}

func (d *Dispatcher) finishTask(taskID, backend string, state model.TaskState, kind, message string) {
	applied := false
	err := d.store.Transition(taskID, state, func(t *model.Task) {
		applied = true
		if message != "" {
			t.LastError = message
			t.LastErrorKind = kind
		}
	})
	if err != nil || !applied {
		return // already terminal (cancelled, or the other completion path won the race)
	}
	if backend != "" {
		if mErr := d.reg.Mutate(backend, func(b *model.Backend) {
			if b.Pending > 0 {
				b.Pending--
			}
		}); mErr != nil {
			logging.L().Warn(context.Background(), "registry mutate on completion failed", zap.Error(mErr))
		}
		d.store.Signal()
	}
	if d.audit != nil {
		d.audit.RecordTaskTerminal(taskID, state, kind, message)
	}
}

// Cancel cancels a task: aborts an in-flight submit if one is running,
// best-effort cancels it upstream if already dispatched, and transitions
// the Task Store regardless.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	d.mu.Lock()
	if cancel, ok := d.cancelMap[taskID]; ok {
		cancel()
	}
	d.mu.Unlock()

	task, err := d.store.Get(taskID)
	if err == nil && task.State == model.TaskDispatched && task.AssignedBackend != "" {
		if client, ok := d.clients.Get(task.AssignedBackend); ok {
			_ = client.Cancel(ctx, task.UpstreamPromptID)
		}
	}
	return d.store.Cancel(taskID)
}

// RequeueForBackend is wired as a healthmonitor.StatusChangeFunc for the
// healthy->unhealthy edge: every task still assigned to the lost backend
// goes back to pending at the head of the FIFO, and the backend's own
// counters are cleared since it no longer owns that work. A task that
// has already exhausted its retry budget is failed outright with kind
// BackendLost instead of being requeued again, mirroring
// handleSubmitError's attempts check for the SubmitUnavailable path.
func (d *Dispatcher) RequeueForBackend(backend string) {
	tasks := d.store.ListByBackend(backend)
	if len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		attempts := t.Attempts + 1
		if attempts >= d.cfg.MaxRetries {
			d.failTerminal(t.ID, string(errs.BackendLost), "backend "+backend+" lost, retries exhausted")
			continue
		}
		err := d.store.TransitionToPendingHead(t.ID, func(task *model.Task) {
			task.Attempts = attempts
			task.AssignedBackend = ""
			task.UpstreamPromptID = ""
			task.LastErrorKind = string(errs.BackendLost)
		})
		if err != nil {
			continue
		}
		logging.L().Info(context.Background(), "requeued task after backend loss", zap.String("task_id", t.ID), zap.String("backend", backend))
	}
	_ = d.reg.Mutate(backend, func(b *model.Backend) {
		b.Pending = 0
		b.Running = 0
	})
	d.store.Signal()
}
