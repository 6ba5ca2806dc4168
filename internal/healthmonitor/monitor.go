// Package healthmonitor is the Health Monitor: a ticker-loop that
// probes every known backend's /queue on an interval, drives the
// healthy/unhealthy state machine, and signals subscribers to react to
// a backend crossing a threshold (the Dispatcher re-queues its tasks,
// the management WebSocket hub emits backend_update).
package healthmonitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comfylb/balancer/internal/backendclient"
	"github.com/comfylb/balancer/internal/core"
	"github.com/comfylb/balancer/internal/logging"
	"github.com/comfylb/balancer/internal/model"
	"github.com/comfylb/balancer/internal/registry"
)

// StatusChangeFunc is invoked, outside the monitor's own lock, whenever
// a backend crosses a healthy/unhealthy threshold. The Dispatcher
// subscribes to re-queue affected tasks; the management WebSocket hub
// subscribes to emit backend_update.
type StatusChangeFunc func(backend string, status model.BackendStatus)

type Monitor struct {
	*core.BaseComponent

	reg                *registry.Registry
	clients            *backendclient.Set
	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int

	listenersMu sync.Mutex
	listeners   []StatusChangeFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	triggerCh chan struct{}
}

func New(reg *registry.Registry, clients *backendclient.Set, interval, timeout time.Duration, healthyThreshold, unhealthyThreshold int) *Monitor {
	return &Monitor{
		BaseComponent:      core.NewBaseComponent("health_monitor", "logging"),
		reg:                reg,
		clients:            clients,
		interval:           interval,
		timeout:            timeout,
		healthyThreshold:   healthyThreshold,
		unhealthyThreshold: unhealthyThreshold,
		triggerCh:          make(chan struct{}, 1),
	}
}

func (m *Monitor) OnStatusChange(fn StatusChangeFunc) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Monitor) Start(ctx context.Context) error {
	if m.IsActive() {
		return nil
	}
	if err := m.BaseComponent.Start(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	if !m.IsActive() {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.BaseComponent.Stop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		case <-m.triggerCh:
			m.probeAll(ctx)
		}
	}
}

// TriggerNow requests an immediate probe round, used by the Admin API's
// `/lb/health-check` endpoint. Non-blocking: a round already queued is
// not duplicated.
func (m *Monitor) TriggerNow() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.reg.Names() {
		client, ok := m.clients.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, client *backendclient.Client) {
			defer wg.Done()
			m.probeOne(ctx, name, client)
		}(name, client)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, name string, client *backendclient.Client) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snap, err := client.QueryQueue(probeCtx)
	ok := err == nil
	pending, running := 0, 0
	if ok {
		pending, running = len(snap.Pending), len(snap.Running)
	}

	newStatus, changed, mErr := m.reg.MarkProbed(name, ok, pending, running, m.healthyThreshold, m.unhealthyThreshold)
	if mErr != nil {
		return
	}
	if !ok {
		logging.L().Debug(ctx, "backend probe failed", zap.String("backend", name), zap.Error(err))
	}
	if changed {
		logging.L().Info(ctx, "backend status changed", zap.String("backend", name), zap.String("status", string(newStatus)))
		m.notify(name, newStatus)
	}
}

func (m *Monitor) notify(name string, status model.BackendStatus) {
	m.listenersMu.Lock()
	listeners := append([]StatusChangeFunc(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(name, status)
	}
}
