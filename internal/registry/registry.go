// Package registry is the Backend Registry: the single source of truth
// for the backend set and each backend's live metrics. A mutex-
// protected map is kept consistent by every mutating method, with
// snapshot reads handed out as copies so callers never race the lock
// holder.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/comfylb/balancer/internal/config"
	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/model"
)

// UpdateListener is notified after Add, Remove, Enable, Disable and a
// MarkProbed that changes a backend's status. Mutate (counter updates)
// and a MarkProbed that leaves the status unchanged do not notify.
// The Admin API and management WebSocket hub use this to emit
// backend_update events without the Registry depending on them.
type UpdateListener func(name string)

type Registry struct {
	mu       sync.RWMutex
	backends map[string]*model.Backend
	order    []string // insertion order, used by round_robin / tie-breaks

	listenersMu sync.Mutex
	listeners   []UpdateListener
}

func New() *Registry {
	return &Registry{backends: make(map[string]*model.Backend)}
}

// LoadFromConfig seeds the registry at startup from the config file's
// backends[] section.
func (r *Registry) LoadFromConfig(cfgs []config.BackendConfig) error {
	for _, c := range cfgs {
		b := &model.Backend{
			Name: c.Name, Host: c.Host, Port: c.Port,
			Weight: maxInt(c.Weight, 1), MaxQueue: maxInt(c.MaxQueue, 1),
			Enabled: c.Enabled, Status: model.StatusUnknown,
		}
		if err := r.Add(b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) OnUpdate(l UpdateListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

func (r *Registry) notify(name string) {
	r.listenersMu.Lock()
	listeners := append([]UpdateListener(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, l := range listeners {
		l(name)
	}
}

// Add registers a new backend. NameConflict if the name already exists.
func (r *Registry) Add(b *model.Backend) error {
	r.mu.Lock()
	if _, exists := r.backends[b.Name]; exists {
		r.mu.Unlock()
		return errs.New(errs.NameConflict, "backend "+b.Name+" already registered")
	}
	r.backends[b.Name] = b
	r.order = append(r.order, b.Name)
	r.mu.Unlock()
	r.notify(b.Name)
	return nil
}

// Remove deletes a backend. Only permitted when disabled and drained.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	b, exists := r.backends[name]
	if !exists {
		r.mu.Unlock()
		return errs.New(errs.BackendNotFound, "backend "+name+" not found")
	}
	if b.Enabled || !b.Drained() {
		r.mu.Unlock()
		return errs.New(errs.BackendBusy, "backend "+name+" must be disabled and drained before removal")
	}
	delete(r.backends, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.notify(name)
	return nil
}

func (r *Registry) Enable(name string) error  { return r.setEnabled(name, true) }
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	b, exists := r.backends[name]
	if !exists {
		r.mu.Unlock()
		return errs.New(errs.BackendNotFound, "backend "+name+" not found")
	}
	b.Enabled = enabled
	r.mu.Unlock()
	r.notify(name)
	return nil
}

func (r *Registry) Get(name string) (*model.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, exists := r.backends[name]
	if !exists {
		return nil, errs.New(errs.BackendNotFound, "backend "+name+" not found")
	}
	snap := b.Snapshot()
	return &snap, nil
}

// Mutate runs fn against the live backend record under the write lock,
// the only way callers are allowed to change reserved/pending/running
// counters or status — everything else hands out copies.
func (r *Registry) Mutate(name string, fn func(b *model.Backend)) error {
	r.mu.Lock()
	b, exists := r.backends[name]
	if !exists {
		r.mu.Unlock()
		return errs.New(errs.BackendNotFound, "backend "+name+" not found")
	}
	fn(b)
	r.mu.Unlock()
	return nil
}

// Snapshot returns a consistent, independently-sorted copy of every
// backend in insertion order, suitable for the Scheduler and the admin
// `/lb/stats` endpoint.
func (r *Registry) Snapshot() []model.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name].Snapshot())
	}
	return out
}

// SnapshotSortedByName is used by read-proxy endpoints that need a
// deterministic backend choice by name hash.
func (r *Registry) SnapshotSortedByName() []model.Backend {
	out := r.Snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// MarkProbed records the outcome of a health probe, updating the
// rolling counters and, on a threshold crossing, the backend's status.
// Returns the new status and whether it changed from the prior one.
func (r *Registry) MarkProbed(name string, ok bool, pending, running int, healthyThreshold, unhealthyThreshold int) (model.BackendStatus, bool, error) {
	var newStatus model.BackendStatus
	var changed bool
	err := r.Mutate(name, func(b *model.Backend) {
		old := b.Status
		b.LastProbeAt = time.Now()
		if ok {
			b.ConsecutiveOK++
			b.ConsecutiveFail = 0
			b.Pending = pending
			b.Running = running
			if (b.Status == model.StatusUnknown || b.Status == model.StatusUnhealthy) && b.ConsecutiveOK >= healthyThreshold {
				b.Status = model.StatusHealthy
			}
		} else {
			b.ConsecutiveFail++
			b.ConsecutiveOK = 0
			if b.Status == model.StatusHealthy && b.ConsecutiveFail >= unhealthyThreshold {
				b.Status = model.StatusUnhealthy
			}
			if b.Status == model.StatusUnknown && b.ConsecutiveFail >= unhealthyThreshold {
				b.Status = model.StatusUnhealthy
			}
		}
		newStatus = b.Status
		changed = old != b.Status
	})
	if err != nil {
		return "", false, err
	}
	if changed {
		r.notify(name)
	}
	return newStatus, changed, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
