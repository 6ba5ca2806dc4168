package proxyfacade

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/dispatcher"
	"github.com/comfylb/balancer/internal/eventhub"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/scheduler"
	"github.com/comfylb/balancer/internal/taskstore"
)

type testRig struct {
	router  chi.Router
	reg     *registry.Registry
	store   *taskstore.Store
	clients *backendclient.Set
}

func newTestRig(t *testing.T, submitTimeout time.Duration) *testRig {
	t.Helper()
	reg := registry.New()
	store := taskstore.New(100)
	sched := scheduler.New(scheduler.LeastBusy, false)
	clients := backendclient.NewSet()
	disp := dispatcher.New(dispatcher.Config{SubmitTimeout: time.Second}, reg, store, sched, clients, nil)
	hub := eventhub.New(clients, store, disp)

	r := chi.NewRouter()
	RegisterRoutes(r, Deps{
		Registry: reg, Store: store, Dispatcher: disp,
		Clients: clients, Hub: hub, SubmitTimeout: submitTimeout,
	})
	return &testRig{router: r, reg: reg, store: store, clients: clients}
}

func doRaw(r chi.Router, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmitPromptAcceptedWhenNoCapacity(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)
	rec := doRaw(rig.router, http.MethodPost, "/prompt", []byte(`{"client_id":"c1"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var got map[string]string
	json.Unmarshal(rec.Body.Bytes(), &got)
	require.NotEmpty(t, got["task_id"], "expected a task_id in the accepted response")
}

func TestGetQueueReflectsPendingTasks(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)
	rig.store.Create(&model.Task{ID: "a", CreatedAt: time.Now()})

	rec := doRaw(rig.router, http.MethodGet, "/queue", nil)
	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	pending := got["queue_pending"].([]any)
	require.Len(t, pending, 1)
}

func TestCancelQueueCancelsListedTasks(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)
	rig.store.Create(&model.Task{ID: "a", CreatedAt: time.Now()})

	body, _ := json.Marshal(map[string]any{"delete": []string{"a"}})
	rec := doRaw(rig.router, http.MethodPost, "/queue", body)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := rig.store.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, got.State)
}

func TestListHistoryOnlyReturnsTerminalTasks(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)
	rig.store.Create(&model.Task{ID: "a", CreatedAt: time.Now()})
	rig.store.Cancel("a")
	rig.store.Create(&model.Task{ID: "b", CreatedAt: time.Now()})

	rec := doRaw(rig.router, http.MethodGet, "/history", nil)
	var got map[string]model.Task
	json.Unmarshal(rec.Body.Bytes(), &got)
	_, ok := got["a"]
	require.True(t, ok, "expected cancelled task a in history")
	_, ok = got["b"]
	require.False(t, ok, "expected pending task b excluded from history")
}

func TestPassthroughChoosesHealthyBackendDeterministically(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	rig := newTestRig(t, 50*time.Millisecond)
	rig.reg.Add(&model.Backend{Name: "gpu-0", Status: model.StatusHealthy, Enabled: true, MaxQueue: 5})
	rig.clients.Put(backendclient.New("gpu-0", upstream.URL, "", time.Second))

	rec := doRaw(rig.router, http.MethodGet, "/object_info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestPassthroughNoCapacityWhenNoHealthyBackend(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)
	rec := doRaw(rig.router, http.MethodGet, "/object_info", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code, "expected default-mapped 500 for NoCapacity")
}
