package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/scheduler"
	"github.com/comfylb/balancer/internal/taskstore"
)

type stubAudit struct {
	records []string
}

func (s *stubAudit) RecordTaskTerminal(taskID string, state model.TaskState, kind, message string) {
	s.records = append(s.records, taskID+":"+string(state))
}

func (s *stubAudit) RecordAdminMutation(action, target, detail string) {}

func newTestDispatcher(t *testing.T, clients *backendclient.Set) (*Dispatcher, *registry.Registry, *taskstore.Store, *stubAudit) {
	t.Helper()
	reg := registry.New()
	store := taskstore.New(100)
	sched := scheduler.New(scheduler.LeastBusy, false)
	audit := &stubAudit{}
	d := New(Config{MaxRetries: 3, RetryInterval: time.Millisecond, SubmitTimeout: time.Second}, reg, store, sched, clients, audit)
	return d, reg, store, audit
}

func TestRequeueForBackendGoesToHeadOfFIFO(t *testing.T) {
	d, reg, store, _ := newTestDispatcher(t, backendclient.NewSet())
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, MaxQueue: 5})

	dispatched := &model.Task{ID: "dispatched", CreatedAt: time.Now()}
	store.Create(dispatched)
	store.Transition("dispatched", model.TaskDispatching, nil)
	store.Transition("dispatched", model.TaskDispatched, func(t *model.Task) {
		t.AssignedBackend = "gpu-0"
		t.UpstreamPromptID = "p1"
	})
	reg.Mutate("gpu-0", func(b *model.Backend) { b.Pending = 1 })

	neverTried := &model.Task{ID: "fresh", CreatedAt: time.Now()}
	store.Create(neverTried)

	d.RequeueForBackend("gpu-0")

	first, ok := store.PopPendingHead()
	require.True(t, ok)
	require.Equal(t, "dispatched", first.ID, "expected requeued task at head")
	require.Empty(t, first.AssignedBackend, "expected requeued task cleared of backend assignment")
	require.Empty(t, first.UpstreamPromptID)

	b, _ := reg.Get("gpu-0")
	require.Equal(t, 0, b.Pending, "expected backend counters cleared on requeue")
}

func TestRequeueForBackendFailsTaskOnceRetriesExhausted(t *testing.T) {
	d, reg, store, audit := newTestDispatcher(t, backendclient.NewSet())
	d.cfg.MaxRetries = 1
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, MaxQueue: 5})

	dispatched := &model.Task{ID: "dispatched", CreatedAt: time.Now()}
	store.Create(dispatched)
	store.Transition("dispatched", model.TaskDispatching, nil)
	store.Transition("dispatched", model.TaskDispatched, func(t *model.Task) {
		t.AssignedBackend = "gpu-0"
		t.UpstreamPromptID = "p1"
	})

	d.RequeueForBackend("gpu-0")

	got, err := store.Get("dispatched")
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.State, "expected BackendLost failure once retries are exhausted")
	require.Equal(t, string(errs.BackendLost), got.LastErrorKind)
	require.Equal(t, []string{"dispatched:failed"}, audit.records)
}

func TestRequeueForBackendNoopWhenNothingAssigned(t *testing.T) {
	d, reg, _, _ := newTestDispatcher(t, backendclient.NewSet())
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, MaxQueue: 5})
	d.RequeueForBackend("gpu-0") // must not panic or error with no assigned tasks
}

func TestCancelPendingTaskNeedsNoBackendClient(t *testing.T) {
	d, _, store, _ := newTestDispatcher(t, backendclient.NewSet())
	store.Create(&model.Task{ID: "a", CreatedAt: time.Now()})

	got, err := d.Cancel(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, got.State)
}

func TestFinishTaskViaSubmitAndTerminalFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id":"p1"}`))
	}))
	defer upstream.Close()

	clients := backendclient.NewSet()
	clients.Put(backendclient.New("gpu-0", upstream.URL, "", time.Second))

	d, reg, store, audit := newTestDispatcher(t, clients)
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, Status: model.StatusHealthy, MaxQueue: 5})

	task := &model.Task{ID: "a", CreatedAt: time.Now()}
	store.Create(task)
	require.NoError(t, d.reserve(task, "gpu-0"))
	d.submit(context.Background(), task, "gpu-0")

	got, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskDispatched, got.State)
	require.Equal(t, "p1", got.UpstreamPromptID)

	got.AssignedBackend = "gpu-0"
	d.OnTerminalFrame(got, model.TerminalSuccess, "")

	final, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, final.State)
	require.Equal(t, []string{"a:completed"}, audit.records)
}

func TestSubmitRejectedFailsTaskImmediately(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad prompt"}`))
	}))
	defer upstream.Close()

	clients := backendclient.NewSet()
	clients.Put(backendclient.New("gpu-0", upstream.URL, "", time.Second))

	d, reg, store, audit := newTestDispatcher(t, clients)
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, Status: model.StatusHealthy, MaxQueue: 5})

	task := &model.Task{ID: "a", CreatedAt: time.Now()}
	store.Create(task)
	d.reserve(task, "gpu-0")
	d.submit(context.Background(), task, "gpu-0")

	got, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.State, "expected failed task after rejection")
	require.Len(t, audit.records, 1)
}

func TestSubmitUnavailableRetriesUntilExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	clients := backendclient.NewSet()
	clients.Put(backendclient.New("gpu-0", upstream.URL, "", time.Second))

	d, reg, store, audit := newTestDispatcher(t, clients)
	d.cfg.MaxRetries = 2
	d.cfg.RetryInterval = 0 // requeue synchronously so attempts accumulate deterministically in this test
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, Status: model.StatusHealthy, MaxQueue: 5})

	task := &model.Task{ID: "a", CreatedAt: time.Now()}
	store.Create(task)

	for i := 0; i < 2; i++ {
		live, _ := store.Get("a")
		live.AssignedBackend = "gpu-0"
		d.reserve(live, "gpu-0")
		d.submit(context.Background(), live, "gpu-0")
	}

	got, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.State, "expected exhausted failure")
	require.Equal(t, string(errs.SubmitExhausted), got.LastErrorKind)
	require.Len(t, audit.records, 1, "expected exactly one terminal audit record")
}

func TestSubmitUnavailableHonorsRetryInterval(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	clients := backendclient.NewSet()
	clients.Put(backendclient.New("gpu-0", upstream.URL, "", time.Second))

	d, reg, store, _ := newTestDispatcher(t, clients)
	d.cfg.MaxRetries = 5
	d.cfg.RetryInterval = 100 * time.Millisecond
	reg.Add(&model.Backend{Name: "gpu-0", Enabled: true, Status: model.StatusHealthy, MaxQueue: 5})

	task := &model.Task{ID: "a", CreatedAt: time.Now()}
	store.Create(task)
	d.reserve(task, "gpu-0")
	d.submit(context.Background(), task, "gpu-0")

	immediately, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskDispatching, immediately.State, "expected the task to stay out of pending until retry_interval elapses")

	time.Sleep(150 * time.Millisecond)
	after, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, after.State, "expected the task back in pending after retry_interval")
}
