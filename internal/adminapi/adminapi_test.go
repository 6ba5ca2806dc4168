package adminapi

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
	"github.com/comfylb/balancer/internal/healthmonitor"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/scheduler"
	"github.com/comfylb/balancer/internal/taskstore"
)

func newTestRouter(t *testing.T) (chi.Router, *registry.Registry, *taskstore.Store) {
	t.Helper()
	reg := registry.New()
	store := taskstore.New(100)
	sched := scheduler.New(scheduler.LeastBusy, false)
	clients := backendclient.NewSet()
	monitor := healthmonitor.New(reg, clients, time.Hour, time.Second, 1, 1)
	disp := dispatcher.New(dispatcher.Config{}, reg, store, sched, clients, nil)

	r := chi.NewRouter()
	RegisterRoutes(r, Deps{
		Registry: reg, Store: store, Scheduler: sched,
		Monitor: monitor, Dispatcher: disp, Clients: clients,
		ClientTimeout: time.Second,
	})
	return r, reg, store
}

func doJSON(r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAddListAndRemoveBackend(t *testing.T) {
	r, reg, _ := newTestRouter(t)

	rec := doJSON(r, http.MethodPost, "/lb/backends", map[string]any{
		"name": "gpu-0", "host": "127.0.0.1", "port": 8188, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(r, http.MethodGet, "/lb/backends", nil)
	var backends []model.Backend
	json.Unmarshal(rec.Body.Bytes(), &backends)
	require.Len(t, backends, 1)
	require.Equal(t, "gpu-0", backends[0].Name)

	// must be disabled and drained before removal
	rec = doJSON(r, http.MethodDelete, "/lb/backends/gpu-0", nil)
	require.Equal(t, http.StatusConflict, rec.Code, "expected conflict removing an enabled backend")

	doJSON(r, http.MethodPost, "/lb/backends/gpu-0/disable", nil)
	rec = doJSON(r, http.MethodDelete, "/lb/backends/gpu-0", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	_, err := reg.Get("gpu-0")
	require.Error(t, err, "expected backend gone from the registry after removal")
}

func TestAddBackendRejectsMissingFields(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/lb/backends", map[string]any{"host": "127.0.0.1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTaskEndpoint(t *testing.T) {
	r, _, store := newTestRouter(t)
	store.Create(&model.Task{ID: "a", CreatedAt: time.Now()})

	rec := doJSON(r, http.MethodDelete, "/lb/tasks/a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var task model.Task
	json.Unmarshal(rec.Body.Bytes(), &task)
	require.Equal(t, model.TaskCancelled, task.State)
}

func TestGetTaskNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(r, http.MethodGet, "/lb/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetSchedulerStrategy(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/lb/scheduler/strategy/round_robin", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = doJSON(r, http.MethodGet, "/lb/scheduler", nil)
	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	require.Equal(t, "round_robin", got["strategy"])
}

func TestSetSchedulerStrategyRejectsUnknown(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/lb/scheduler/strategy/bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubAudit struct {
	actions []string
}

func (s *stubAudit) RecordTaskTerminal(taskID string, state model.TaskState, kind, message string) {}

func (s *stubAudit) RecordAdminMutation(action, target, detail string) {
	s.actions = append(s.actions, action+":"+target)
}

func TestAdminMutationsAreAudited(t *testing.T) {
	reg := registry.New()
	store := taskstore.New(100)
	sched := scheduler.New(scheduler.LeastBusy, false)
	clients := backendclient.NewSet()
	disp := dispatcher.New(dispatcher.Config{}, reg, store, sched, clients, nil)
	audit := &stubAudit{}

	r := chi.NewRouter()
	RegisterRoutes(r, Deps{
		Registry: reg, Store: store, Scheduler: sched,
		Dispatcher: disp, Clients: clients, Audit: audit,
		ClientTimeout: time.Second,
	})

	doJSON(r, http.MethodPost, "/lb/backends", map[string]any{
		"name": "gpu-0", "host": "127.0.0.1", "port": 8188, "enabled": true,
	})
	doJSON(r, http.MethodPost, "/lb/backends/gpu-0/disable", nil)
	doJSON(r, http.MethodPost, "/lb/backends/gpu-0/enable", nil)
	doJSON(r, http.MethodPost, "/lb/backends/gpu-0/disable", nil)
	doJSON(r, http.MethodDelete, "/lb/backends/gpu-0", nil)
	doJSON(r, http.MethodPost, "/lb/scheduler/strategy/round_robin", nil)

	require.Equal(t, []string{
		"add_backend:gpu-0",
		"disable_backend:gpu-0",
		"enable_backend:gpu-0",
		"disable_backend:gpu-0",
		"remove_backend:gpu-0",
		"set_strategy:round_robin",
	}, audit.actions)
}

func TestStatsEndpointReportsQueueDepth(t *testing.T) {
	r, _, store := newTestRouter(t)
	store.Create(&model.Task{ID: "a", CreatedAt: time.Now()})

	rec := doJSON(r, http.MethodGet, "/lb/stats", nil)
	var got statsResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	require.Equal(t, 1, got.PendingTasks)
	require.Equal(t, 1, got.LiveTasks)
}

func TestHealthzReportsLiveness(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
