// Package dispatcher implements the Dispatcher: the match-maker pairing
// pending tasks with backend capacity. It runs a bounded pool of
// submit goroutines guarded by a semaphore, with a shared cancelFunc
// map under one mutex so an in-flight submit can be aborted if its task
// is cancelled underneath it.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/scheduler"
	"github.com/comfylb/balancer/internal/taskstore"
)

// AuditSink receives a best-effort, asynchronous notification of every
// task terminal transition and admin mutation. The Dispatcher only
// drives RecordTaskTerminal; RecordAdminMutation is part of this
// interface so the Admin API can share the same sink type without a
// direct dependency on the audit package. Nothing blocks on either
// method and nothing treats its failure as its own.
type AuditSink interface {
	RecordTaskTerminal(taskID string, state model.TaskState, kind, message string)
	RecordAdminMutation(action, target, detail string)
}

type Config struct {
	RetryInterval   time.Duration
	MaxRetries      int
	DispatchWorkers int
	SubmitTimeout   time.Duration
}

type Dispatcher struct {
	*core.BaseComponent

	cfg     Config
	reg     *registry.Registry
	store   *taskstore.Store
	sched   *scheduler.Scheduler
	clients *backendclient.Set
	audit   AuditSink

	sem chan struct{} // bounds concurrent submit goroutines

	mu        sync.Mutex
	cancelMap map[string]context.CancelFunc // taskID -> in-flight submit's cancel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, reg *registry.Registry, store *taskstore.Store, sched *scheduler.Scheduler, clients *backendclient.Set, audit AuditSink) *Dispatcher {
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = maxInt(len(clients.Names())*2, 2)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Dispatcher{
		BaseComponent: core.NewBaseComponent("dispatcher", "logging"),
		cfg:           cfg,
		reg:           reg,
		store:         store,
		sched:         sched,
		clients:       clients,
		audit:         audit,
		sem:           make(chan struct{}, cfg.DispatchWorkers),
		cancelMap:     make(map[string]context.CancelFunc),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if d.IsActive() {
		return nil
	}
	if err := d.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go d.dispatchLoop(loopCtx)
	go d.historyPollLoop(loopCtx)
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.IsActive() {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return d.BaseComponent.Stop(ctx)
}

// dispatchLoop is the single logical worker: it repeatedly pops the
// pending head, asks the Scheduler for a candidate,
// and either reserves+submits or re-queues and waits for a capacity
// signal. Each submission runs on its own goroutine bounded by d.sem so
// a slow backend does not stall the rest of the queue.
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok := d.store.PopPendingHead()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.store.Wait():
				continue
			}
		}

		snapshot := d.reg.Snapshot()
		backend, err := d.sched.Select(snapshot)
		if err != nil {
			d.store.ReinsertHead(task.ID)
			select {
			case <-ctx.Done():
				return
			case <-d.store.Wait():
			case <-time.After(time.Second):
				// capacity may have changed without a store signal
				// (e.g. a probe refreshed pending/running); re-evaluate
				// periodically rather than wait forever.
			}
			continue
		}

		if err := d.reserve(task, backend.Name); err != nil {
			// lost a race (e.g. task cancelled between pop and reserve);
			// drop it, the transition already happened elsewhere.
			continue
		}

		select {
		case d.sem <- struct{}{}:
			d.wg.Add(1)
			go func(t *model.Task, backendName string) {
				defer d.wg.Done()
				defer func() { <-d.sem }()
				d.submit(ctx, t, backendName)
			}(task, backend.Name)
		case <-ctx.Done():
			return
		}
	}
}

// reserve performs the reserve-or-reject critical section: increments
// the backend's reserved counter and transitions pending -> dispatching
// atomically from the caller's point of view. Registry is mutated
// before the Task Store transition, matching the mandated lock
// ordering Registry -> TaskStore.
func (d *Dispatcher) reserve(task *model.Task, backendName string) error {
	if err := d.reg.Mutate(backendName, func(b *model.Backend) { b.Reserved++ }); err != nil {
		return err
	}
	if err := d.store.Transition(task.ID, model.TaskDispatching, func(t *model.Task) {
		t.AssignedBackend = backendName
	}); err != nil {
		_ = d.reg.Mutate(backendName, func(b *model.Backend) { b.Reserved-- })
		return err
	}
	return nil
}

func (d *Dispatcher) submit(parent context.Context, task *model.Task, backendName string) {
	client, ok := d.clients.Get(backendName)
	if !ok {
		d.failNonRetryable(task.ID, backendName, "backend client missing")
		return
	}

	submitCtx, cancel := context.WithTimeout(parent, d.cfg.SubmitTimeout)
	d.trackCancel(task.ID, cancel)
	defer d.untrackCancel(task.ID)
	defer cancel()

	promptID, err := client.Submit(submitCtx, task.Payload)
	if err != nil {
		d.handleSubmitError(task, backendName, err)
		return
	}

	if err := d.reg.Mutate(backendName, func(b *model.Backend) {
		b.Reserved--
		b.Pending++
	}); err != nil {
		logging.L().Warn(context.Background(), "registry mutate after submit failed", zap.Error(err))
	}

	err = d.store.Transition(task.ID, model.TaskDispatched, func(t *model.Task) {
		t.UpstreamPromptID = promptID
		t.DispatchedAt = time.Now()
	})
	if err != nil {
		// task was cancelled underneath us; best-effort cancel upstream.
		_ = client.Cancel(context.Background(), promptID)
		return
	}
	logging.L().Info(context.Background(), "task dispatched", zap.String("task_id", task.ID), zap.String("backend", backendName), zap.String("prompt_id", promptID))
}

func (d *Dispatcher) handleSubmitError(task *model.Task, backendName string, err error) {
	_ = d.reg.Mutate(backendName, func(b *model.Backend) { b.Reserved-- })

	if errs.Is(err, errs.SubmitRejected) {
		d.failNonRetryable(task.ID, backendName, err.Error())
		return
	}

	// SubmitUnavailable: retryable.
	attempts := task.Attempts + 1
	if attempts >= d.cfg.MaxRetries {
		d.failTerminal(task.ID, string(errs.SubmitExhausted), err.Error())
		return
	}

	// The task stays in dispatching (not yet back in the pending FIFO)
	// until retry_interval elapses, so a flapping backend is not hammered
	// with an immediate re-dispatch the instant it fails.
	requeue := func() {
		_ = d.store.Transition(task.ID, model.TaskPending, func(t *model.Task) {
			t.Attempts = attempts
			t.LastError = err.Error()
			t.LastErrorKind = string(errs.SubmitUnavailable)
			t.AssignedBackend = ""
		})
	}
	if d.cfg.RetryInterval > 0 {
		time.AfterFunc(d.cfg.RetryInterval, requeue)
	} else {
		requeue()
	}
}

func (d *Dispatcher) failNonRetryable(taskID, backendName, reason string) {
	d.failTerminal(taskID, string(errs.SubmitRejected), reason)
}

func (d *Dispatcher) failTerminal(taskID, kind, message string) {
	_ = d.store.Transition(taskID, model.TaskFailed, func(t *model.Task) {
		t.LastError = message
		t.LastErrorKind = kind
	})
	if d.audit != nil {
		d.audit.RecordTaskTerminal(taskID, model.TaskFailed, kind, message)
	}
}

func (d *Dispatcher) trackCancel(taskID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancelMap[taskID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrackCancel(taskID string) {
	d.mu.Lock()
	delete(d.cancelMap, taskID)
	d.mu.Unlock()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
