// Package proxyfacade is the Proxy Facade: the ComfyUI-compatible
// HTTP/WS surface clients actually talk to. It translates every
// upstream-shaped request into a Task Store / Dispatcher / Event Hub
// operation and mirrors the upstream response shape back, adding only
// the fields a ComfyUI client doesn't expect but needs to track its
// task through the balancer.
package proxyfacade

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/dispatcher"
	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/eventhub"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
	"github.com/comfylb/balancer/internal/taskstore"
)

type Deps struct {
	Registry     *registry.Registry
	Store        *taskstore.Store
	Dispatcher   *dispatcher.Dispatcher
	Clients      *backendclient.Set
	Hub          *eventhub.Hub
	SubmitTimeout time.Duration
}

func RegisterRoutes(r chi.Router, d Deps) {
	h := &handler{d: d}

	r.Post("/prompt", h.submitPrompt)
	r.Get("/queue", h.getQueue)
	r.Post("/queue", h.cancelQueue)
	r.Get("/history", h.listHistory)
	r.Get("/history/{id}", h.getHistory)
	r.Get("/ws", h.serveWS)

	for _, path := range []string{"/object_info", "/system_stats", "/embeddings", "/extensions"} {
		r.Get(path, h.passthrough)
	}
}

type handler struct {
	d Deps
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.TaskNotFound, errs.NotFound, errs.BackendNotFound:
		status = http.StatusNotFound
	case errs.QueueFull:
		status = http.StatusServiceUnavailable
	case errs.InvalidArgument:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// submitPrompt creates a Task and, budget permitting, blocks until it
// leaves `pending`. A slow or saturated balancer still accepts the
// work; the client just learns about dispatch later via the task id.
func (h *handler) submitPrompt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.Wrap(errs.InvalidArgument, "read body", err))
		return
	}

	task := &model.Task{
		ID:        uuid.New().String(),
		Payload:   body,
		ClientID:  gjson.GetBytes(body, "client_id").String(),
		CreatedAt: time.Now(),
	}
	if err := h.d.Store.Create(task); err != nil {
		writeError(w, err)
		return
	}

	deadline := time.Now().Add(h.d.SubmitTimeout)
	for {
		snap, err := h.d.Store.Get(task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if snap.State != model.TaskPending {
			if snap.State == model.TaskFailed {
				writeJSON(w, http.StatusBadGateway, map[string]string{"task_id": task.ID, "error": snap.LastError})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"task_id":   task.ID,
				"prompt_id": snap.UpstreamPromptID,
			})
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
			return
		}
		select {
		case <-h.d.Store.Wait():
		case <-time.After(remaining):
		case <-r.Context().Done():
			return
		}
	}
}

func (h *handler) getQueue(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		TaskID    string `json:"task_id"`
		PromptID  string `json:"prompt_id,omitempty"`
		Backend   string `json:"backend,omitempty"`
	}
	running := []entry{}
	pending := []entry{}
	for _, t := range h.d.Store.List() {
		e := entry{TaskID: t.ID, PromptID: t.UpstreamPromptID, Backend: t.AssignedBackend}
		switch t.State {
		case model.TaskDispatched:
			running = append(running, e)
		case model.TaskPending, model.TaskDispatching:
			pending = append(pending, e)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_running": running, "queue_pending": pending})
}

func (h *handler) cancelQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delete []string `json:"delete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Wrap(errs.InvalidArgument, "decode body", err))
		return
	}
	for _, id := range body.Delete {
		_, _ = h.d.Dispatcher.Cancel(r.Context(), id)
	}
	w.WriteHeader(http.StatusOK)
}

// listHistory returns the balancer's own view of recently completed
// tasks across every backend, a view ComfyUI itself does not offer
// since any single instance only knows its own history.
func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	out := map[string]model.Task{}
	for _, t := range h.d.Store.List() {
		if t.State.IsTerminal() {
			out[t.ID] = t
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// getHistory serves /history/{id}. A stock ComfyUI client polls this by
// the upstream prompt_id it got back from /prompt, not by the
// balancer's own task id, so a miss on the task id falls back to a
// prompt-id lookup before giving up.
func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.d.Store.Get(id)
	if err != nil {
		task, err = h.d.Store.ByPromptID(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if task.AssignedBackend == "" || task.UpstreamPromptID == "" {
		writeError(w, errs.New(errs.NotFound, "task has no upstream history yet"))
		return
	}
	client, ok := h.d.Clients.Get(task.AssignedBackend)
	if !ok {
		writeError(w, errs.New(errs.BackendNotFound, "backend "+task.AssignedBackend+" unknown"))
		return
	}
	entry, err := client.QueryHistory(r.Context(), task.UpstreamPromptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{id: entry})
}

// passthrough forwards a read-only, non-task-scoped endpoint to any
// healthy backend, chosen deterministically by hashing the request
// path so repeated calls land on the same backend.
func (h *handler) passthrough(w http.ResponseWriter, r *http.Request) {
	backends := h.d.Registry.SnapshotSortedByName()
	healthy := make([]model.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Status == model.StatusHealthy && b.Enabled {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		writeError(w, errs.New(errs.NoCapacity, "no healthy backend available"))
		return
	}
	idx := hashPath(r.URL.Path) % uint32(len(healthy))
	chosen := healthy[idx]
	client, ok := h.d.Clients.Get(chosen.Name)
	if !ok {
		writeError(w, errs.New(errs.BackendNotFound, "backend "+chosen.Name+" unknown"))
		return
	}
	status, body, err := client.ProxyGET(r.Context(), r.URL.Path)
	if err != nil {
		writeError(w, errs.Wrap(errs.SubmitUnavailable, "proxy to "+chosen.Name, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func hashPath(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return h.Sum32()
}

// serveWS registers clientId with the Event Hub and pumps frames to the
// downstream connection until it disconnects. An optional promptId
// query parameter scopes the feed to a single prompt, matching the
// ComfyUI WebSocket API.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	promptID := r.URL.Query().Get("promptId")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn(r.Context(), "proxy websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	frames, unregister := h.d.Hub.Register(clientID, promptID)
	defer unregister()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame.Raw); err != nil {
				return
			}
		}
	}
}
