// Package adminapi is the Admin API: the management HTTP surface over
// the Backend Registry, Task Store and Scheduler, plus the management
// WebSocket that mirrors every state change to connected operators.
// Route registration follows the same chi.Router-passed-in-at-
// construction style the rest of the module's HTTP-facing components
// use.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/dispatcher"
	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/eventhub"
	"github.com/comfylb/balancer/internal/healthmonitor"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/scheduler"
	"github.com/comfylb/balancer/internal/taskstore"
)

// Deps bundles every component the Admin API reads from or mutates.
// Passed as a single struct rather than positional args since this
// handler set depends on nearly every other component in the module.
type Deps struct {
	Registry      *registry.Registry
	Store         *taskstore.Store
	Scheduler     *scheduler.Scheduler
	Monitor       *healthmonitor.Monitor
	Dispatcher    *dispatcher.Dispatcher
	Clients       *backendclient.Set
	Hub           *eventhub.Hub
	ClientTimeout time.Duration
	Mgmt          *MgmtHub
	Audit         dispatcher.AuditSink
}

// RegisterRoutes mounts every Admin API route from the interface table
// onto r. Called once, before the owning httpserver.Server starts.
func RegisterRoutes(r chi.Router, d Deps) {
	h := &handler{d: d}

	r.Get("/healthz", h.healthz)

	r.Get("/lb/stats", h.getStats)
	r.Get("/lb/backends", h.listBackends)
	r.Post("/lb/backends", h.addBackend)
	r.Delete("/lb/backends/{name}", h.removeBackend)
	r.Post("/lb/backends/{name}/enable", h.enableBackend)
	r.Post("/lb/backends/{name}/disable", h.disableBackend)

	r.Get("/lb/tasks", h.listTasks)
	r.Get("/lb/tasks/{task_id}", h.getTask)
	r.Delete("/lb/tasks/{task_id}", h.cancelTask)

	r.Post("/lb/health-check", h.triggerHealthCheck)

	r.Get("/lb/scheduler", h.getScheduler)
	r.Post("/lb/scheduler/strategy/{strategy}", h.setStrategy)

	if d.Mgmt != nil {
		r.Get("/lb/ws", d.Mgmt.ServeHTTP)
	}
}

type handler struct {
	d Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.BackendNotFound, errs.TaskNotFound, errs.NotFound:
		status = http.StatusNotFound
	case errs.NameConflict, errs.BackendBusy, errs.InvalidTransition:
		status = http.StatusConflict
	case errs.ConfigInvalid, errs.InvalidArgument:
		status = http.StatusBadRequest
	case errs.QueueFull, errs.NoCapacity:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

// statsResponse is the `/lb/stats` snapshot: aggregate counts plus the
// per-backend detail also available from `/lb/backends`.
type statsResponse struct {
	Backends     []model.Backend `json:"backends"`
	LiveTasks    int             `json:"live_tasks"`
	PendingTasks int             `json:"pending_tasks"`
	Strategy     scheduler.Strategy `json:"strategy"`
	PreferIdle   bool            `json:"prefer_idle"`
}

func (h *handler) getStats(w http.ResponseWriter, r *http.Request) {
	strategy, preferIdle := h.d.Scheduler.Info()
	writeJSON(w, http.StatusOK, statsResponse{
		Backends:     h.d.Registry.Snapshot(),
		LiveTasks:    h.d.Store.Len(),
		PendingTasks: h.d.Store.PendingCount(),
		Strategy:     strategy,
		PreferIdle:   preferIdle,
	})
}

func (h *handler) listBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Registry.Snapshot())
}

func (h *handler) addBackend(w http.ResponseWriter, r *http.Request) {
	var cfg config.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, errs.Wrap(errs.InvalidArgument, "decode backend config", err))
		return
	}
	if cfg.Name == "" || cfg.Port <= 0 {
		writeError(w, errs.New(errs.InvalidArgument, "name and port are required"))
		return
	}
	if cfg.Weight <= 0 {
		cfg.Weight = 1
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1
	}

	b := &model.Backend{
		Name: cfg.Name, Host: cfg.Host, Port: cfg.Port,
		Weight: cfg.Weight, MaxQueue: cfg.MaxQueue,
		Enabled: cfg.Enabled, Status: model.StatusUnknown,
	}
	if err := h.d.Registry.Add(b); err != nil {
		writeError(w, err)
		return
	}

	client := backendclient.FromConfig(cfg, h.d.ClientTimeout)
	h.d.Clients.Put(client)
	if h.d.Hub != nil {
		h.d.Hub.AddBackend(cfg.Name, client)
	}
	if h.d.Monitor != nil {
		h.d.Monitor.TriggerNow()
	}
	h.broadcastBackendUpdate(cfg.Name)
	h.recordAdmin("add_backend", cfg.Name, "host="+cfg.Host)
	writeJSON(w, http.StatusCreated, b.Snapshot())
}

func (h *handler) removeBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.d.Registry.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	h.d.Clients.Remove(name)
	if h.d.Hub != nil {
		h.d.Hub.RemoveBackend(name)
	}
	h.broadcastBackendUpdate(name)
	h.recordAdmin("remove_backend", name, "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) enableBackend(w http.ResponseWriter, r *http.Request) {
	h.toggleBackend(w, r, true)
}

func (h *handler) disableBackend(w http.ResponseWriter, r *http.Request) {
	h.toggleBackend(w, r, false)
}

func (h *handler) toggleBackend(w http.ResponseWriter, r *http.Request, enable bool) {
	name := chi.URLParam(r, "name")
	var err error
	if enable {
		err = h.d.Registry.Enable(name)
	} else {
		err = h.d.Registry.Disable(name)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	h.d.Store.Signal() // enabling a backend may free capacity
	h.broadcastBackendUpdate(name)
	action := "disable_backend"
	if enable {
		action = "enable_backend"
	}
	h.recordAdmin(action, name, "")
	b, _ := h.d.Registry.Get(name)
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Store.List())
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := h.d.Store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := h.d.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.broadcastTaskUpdate(task)
	writeJSON(w, http.StatusOK, task)
}

// healthz reports process liveness: the Admin API goroutine is answering
// requests. It does not probe backends, the database, or any other
// downstream component — use /lb/stats or /lb/backends for that.
func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *handler) triggerHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.d.Monitor.TriggerNow()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) getScheduler(w http.ResponseWriter, r *http.Request) {
	strategy, preferIdle := h.d.Scheduler.Info()
	writeJSON(w, http.StatusOK, map[string]any{"strategy": strategy, "prefer_idle": preferIdle})
}

func (h *handler) setStrategy(w http.ResponseWriter, r *http.Request) {
	strategy := chi.URLParam(r, "strategy")
	if err := h.d.Scheduler.SetStrategy(scheduler.Strategy(strategy)); err != nil {
		writeError(w, err)
		return
	}
	h.recordAdmin("set_strategy", strategy, "")
	w.WriteHeader(http.StatusNoContent)
}

// recordAdmin forwards a backend or scheduler mutation to the Audit
// Log. A no-op when no audit sink is configured.
func (h *handler) recordAdmin(action, target, detail string) {
	if h.d.Audit == nil {
		return
	}
	h.d.Audit.RecordAdminMutation(action, target, detail)
}

func (h *handler) broadcastBackendUpdate(name string) {
	if h.d.Mgmt == nil {
		return
	}
	b, err := h.d.Registry.Get(name)
	if err != nil {
		h.d.Mgmt.Broadcast(model.MgmtBackendUpdate, map[string]string{"name": name, "removed": "true"})
		return
	}
	h.d.Mgmt.Broadcast(model.MgmtBackendUpdate, b)
}

func (h *handler) broadcastTaskUpdate(task *model.Task) {
	if h.d.Mgmt == nil || task == nil {
		return
	}
	h.d.Mgmt.Broadcast(model.MgmtTaskUpdate, task)
}
