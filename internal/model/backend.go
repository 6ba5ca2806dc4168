// Package model holds the data types owned by the Backend Registry and
// the Task Store: plain structs, no behaviour beyond small derived
// helpers, kept free of persistence or transport concerns.
package model

import (
	"strconv"
	"time"
)

type BackendStatus string

const (
	StatusUnknown   BackendStatus = "unknown"
	StatusHealthy   BackendStatus = "healthy"
	StatusUnhealthy BackendStatus = "unhealthy"
)

// Backend is the Registry's owned record for one ComfyUI instance.
// Tasks never hold a pointer to a Backend; they are found by name
// through the Registry so the two collections stay decoupled.
type Backend struct {
	Name     string // unique identity
	Host     string
	Port     int
	Weight   int  // >=1, used by the weighted strategy
	MaxQueue int  // >=1, capacity cap
	Enabled  bool // admin toggle; disabled backends receive no new reservations

	Status           BackendStatus
	ConsecutiveOK    int
	ConsecutiveFail  int
	Pending          int // queued on the backend, last known from a probe
	Running          int // executing on the backend, last known from a probe
	Reserved         int // dispatched-but-not-yet-confirmed locally
	LastProbeAt      time.Time
}

func (b *Backend) BaseURL() string {
	return "http://" + b.Host + ":" + strconv.Itoa(b.Port)
}

func (b *Backend) WSURL() string {
	return "ws://" + b.Host + ":" + strconv.Itoa(b.Port) + "/ws"
}

// TotalQueue is the capacity already charged against max_queue.
func (b *Backend) TotalQueue() int {
	return b.Reserved + b.Pending + b.Running
}

func (b *Backend) IsAvailable() bool {
	return b.Enabled && b.Status == StatusHealthy && b.TotalQueue() < b.MaxQueue
}

func (b *Backend) IsIdle() bool {
	return b.IsAvailable() && b.Pending+b.Running == 0
}

// Drained reports whether the backend has nothing dispatching/dispatched
// against it — the precondition for admin removal.
func (b *Backend) Drained() bool {
	return b.Reserved == 0 && b.Pending == 0 && b.Running == 0
}

// Snapshot returns a value copy safe to hand out without the Registry's
// lock held.
func (b *Backend) Snapshot() Backend {
	return *b
}
