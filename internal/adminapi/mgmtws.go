package adminapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
)

var mgmtUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const mgmtSendBuffer = 32

// MgmtHub fans state-change notifications out to every connected admin
// WebSocket client. stats_update is coalesced to at most once per
// window rather than sent on every registry mutation, since backend
// counters change far more often than an operator needs to see.
type MgmtHub struct {
	reg *registry.Registry

	mu      sync.Mutex
	clients map[*mgmtConn]struct{}

	statsDirty chan struct{}
	cancel     context.CancelFunc

	// publish, when set, mirrors every locally-originated broadcast to
	// the other replicas behind the same frontend (see statsbus).
	publish func(msgType string, data any)
}

// SetPublisher wires an optional cross-instance relay. Remote replicas'
// own broadcasts arrive back through RelayRemote, not through this.
func (h *MgmtHub) SetPublisher(publish func(msgType string, data any)) {
	h.publish = publish
}

// RelayRemote re-broadcasts a message published by another replica to
// this replica's own connected clients, without re-publishing it.
func (h *MgmtHub) RelayRemote(msg model.MgmtMessage) {
	h.broadcastLocal(msg)
}

type mgmtConn struct {
	send chan model.MgmtMessage
}

func NewMgmtHub(reg *registry.Registry) *MgmtHub {
	return &MgmtHub{
		reg:        reg,
		clients:    make(map[*mgmtConn]struct{}),
		statsDirty: make(chan struct{}, 1),
	}
}

// Run starts the stats-coalescing loop. Call once, typically from
// cmd/balancer alongside the other long-lived background loops.
func (h *MgmtHub) Run(ctx context.Context, window time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.statsDirty:
				<-ticker.C // wait out the rest of the current window before flushing
				h.flushStats()
			}
		}
	}()
	h.reg.OnUpdate(func(string) { h.markStatsDirty() })
}

func (h *MgmtHub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *MgmtHub) markStatsDirty() {
	select {
	case h.statsDirty <- struct{}{}:
	default:
	}
}

func (h *MgmtHub) flushStats() {
	h.Broadcast(model.MgmtStatsUpdate, h.reg.Snapshot())
}

// Broadcast sends a tagged message to every connected admin client,
// dropping (not blocking on) any client whose send buffer is full, and
// mirrors it to other replicas if a publisher is wired.
func (h *MgmtHub) Broadcast(msgType string, data any) {
	h.broadcastLocal(model.MgmtMessage{Type: msgType, Data: data})
	if h.publish != nil {
		h.publish(msgType, data)
	}
}

func (h *MgmtHub) broadcastLocal(msg model.MgmtMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and pumps outgoing messages until
// the client disconnects. The management channel is server->client
// only; inbound frames are read and discarded to detect disconnects.
func (h *MgmtHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := mgmtUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn(r.Context(), "management websocket upgrade failed", zap.Error(err))
		return
	}

	c := &mgmtConn{send: make(chan model.MgmtMessage, mgmtSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
