// Package eventhub implements the Event Hub: the fan-in/fan-out switch
// between every backend's upstream WebSocket and the clients waiting on
// their own task's progress. Fan-in is a shared channel with one writer
// goroutine per backend (Go channels are natively safe for concurrent
// senders, so no separate merge stage is needed); fan-out is per-client
// with a non-blocking send and a drop-and-close policy for slow
// consumers.
package eventhub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/taskstore"
)

// CompletionSink is notified the moment a frame is classified as
// terminal for a task this hub could resolve. The Dispatcher implements
// it to drive the task state machine from the live WebSocket feed.
type CompletionSink interface {
	OnTerminalFrame(task *model.Task, kind model.TerminalKind, message string)
}

const (
	subscriberBuffer = 64
	upstreamBuffer   = 256
)

// subscriber is one downstream client's mailbox. Frames destined for it
// are sent non-blocking; a full mailbox means the client fell behind
// and is disconnected rather than left to backpressure the hub.
type subscriber struct {
	clientID     string
	promptFilter string // when set, only frames for this prompt id are delivered
	ch           chan model.Frame
}

type Hub struct {
	*core.BaseComponent

	clients *backendclient.Set
	store   *taskstore.Store
	sink    CompletionSink

	frames chan model.Frame

	subsMu sync.Mutex
	subs   map[string]*subscriber // by client id

	runningMu sync.Mutex
	running   map[string]context.CancelFunc // backend name -> its subscribe goroutine's cancel

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(clients *backendclient.Set, store *taskstore.Store, sink CompletionSink) *Hub {
	return &Hub{
		BaseComponent: core.NewBaseComponent("event_hub", "logging"),
		clients:       clients,
		store:         store,
		sink:          sink,
		frames:        make(chan model.Frame, upstreamBuffer),
		subs:          make(map[string]*subscriber),
		running:       make(map[string]context.CancelFunc),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	if h.IsActive() {
		return nil
	}
	if err := h.BaseComponent.Start(ctx); err != nil {
		return err
	}
	h.rootCtx, h.cancel = context.WithCancel(context.Background())

	for name, client := range h.clients.Snapshot() {
		h.subscribeBackend(name, client)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.consume(h.rootCtx)
	}()
	return nil
}

func (h *Hub) Stop(ctx context.Context) error {
	if !h.IsActive() {
		return nil
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.subsMu.Lock()
	for _, s := range h.subs {
		close(s.ch)
	}
	h.subs = make(map[string]*subscriber)
	h.subsMu.Unlock()
	return h.BaseComponent.Stop(ctx)
}

// AddBackend starts forwarding a newly registered backend's upstream
// WebSocket frames into the hub, wired as the Registry's add path so a
// backend added through the Admin API is live without a restart.
func (h *Hub) AddBackend(name string, client *backendclient.Client) {
	if !h.IsActive() {
		return
	}
	h.subscribeBackend(name, client)
}

// RemoveBackend stops forwarding a backend's frames, used when a
// drained, disabled backend is removed through the Admin API.
func (h *Hub) RemoveBackend(name string) {
	h.runningMu.Lock()
	cancel, ok := h.running[name]
	delete(h.running, name)
	h.runningMu.Unlock()
	if ok {
		cancel()
	}
}

func (h *Hub) subscribeBackend(name string, client *backendclient.Client) {
	subCtx, cancel := context.WithCancel(h.rootCtx)
	h.runningMu.Lock()
	h.running[name] = cancel
	h.runningMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.Subscribe(subCtx, h.frames)
	}()
}

// Register gives a downstream WebSocket handler a channel of frames
// destined for clientID. If promptID is non-empty, only frames that
// resolve to that prompt id are delivered, matching the ComfyUI
// WebSocket API's optional promptId query parameter. unregister must
// be called exactly once, when the handler's connection closes.
func (h *Hub) Register(clientID, promptID string) (<-chan model.Frame, func()) {
	s := &subscriber{clientID: clientID, promptFilter: promptID, ch: make(chan model.Frame, subscriberBuffer)}
	h.subsMu.Lock()
	if old, exists := h.subs[clientID]; exists {
		close(old.ch)
	}
	h.subs[clientID] = s
	h.subsMu.Unlock()

	unregister := func() {
		h.subsMu.Lock()
		if cur, ok := h.subs[clientID]; ok && cur == s {
			delete(h.subs, clientID)
			close(s.ch)
		}
		h.subsMu.Unlock()
	}
	return s.ch, unregister
}

func (h *Hub) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-h.frames:
			h.handle(frame)
		}
	}
}

func (h *Hub) handle(frame model.Frame) {
	task, err := h.store.ByUpstream(frame.Backend, frame.PromptID)
	if err != nil {
		// frame belongs to a prompt this instance never dispatched
		// (e.g. submitted directly against the backend), a task that
		// was requeued off this backend, or a terminal task already
		// evicted from the store's completed ring; drop it.
		return
	}

	h.deliver(task.ClientID, frame)

	if kind := model.ClassifyTerminal(frame.Type); kind != model.NotTerminal && h.sink != nil {
		h.sink.OnTerminalFrame(task, kind, frame.Type)
	}
}

func (h *Hub) deliver(clientID string, frame model.Frame) {
	if clientID == "" {
		return
	}
	h.subsMu.Lock()
	s, ok := h.subs[clientID]
	h.subsMu.Unlock()
	if !ok {
		return
	}
	if s.promptFilter != "" && s.promptFilter != frame.PromptID {
		return
	}
	select {
	case s.ch <- frame:
	default:
		logging.L().Warn(context.Background(), "dropping slow event subscriber", zap.String("client_id", clientID))
		h.subsMu.Lock()
		if cur, stillCurrent := h.subs[clientID]; stillCurrent && cur == s {
			delete(h.subs, clientID)
			close(s.ch)
		}
		h.subsMu.Unlock()
	}
}
