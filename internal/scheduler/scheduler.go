// Package scheduler selects a backend for a waiting task. It is a pure
// function over a Registry snapshot plus a runtime-switchable strategy;
// it owns no state of its own beyond the strategy name and, for
// round_robin, the name of the backend to resume after. Grounded on the three
// interchangeable strategy classes in the original Python scheduler.
package scheduler

import (
	"sync"

	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/model"
)

type Strategy string

const (
	LeastBusy  Strategy = "least_busy"
	RoundRobin Strategy = "round_robin"
	Weighted   Strategy = "weighted"
)

type Scheduler struct {
	mu         sync.Mutex
	strategy   Strategy
	preferIdle bool
	rrLast     string // name of the backend round_robin chose last
}

func New(strategy Strategy, preferIdle bool) *Scheduler {
	if strategy == "" {
		strategy = LeastBusy
	}
	return &Scheduler{strategy: strategy, preferIdle: preferIdle}
}

func (s *Scheduler) SetStrategy(strategy Strategy) error {
	switch strategy {
	case LeastBusy, RoundRobin, Weighted:
	default:
		return errs.New(errs.InvalidArgument, "unknown strategy "+string(strategy))
	}
	s.mu.Lock()
	s.strategy = strategy
	s.rrLast = ""
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) SetPreferIdle(v bool) {
	s.mu.Lock()
	s.preferIdle = v
	s.mu.Unlock()
}

func (s *Scheduler) Info() (Strategy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy, s.preferIdle
}

// Select picks a candidate backend out of snapshot. snapshot must be in
// registry insertion order so round_robin and the insertion-order
// tie-break behave deterministically. Returns errs.NoCapacity if no
// backend currently has room.
func (s *Scheduler) Select(snapshot []model.Backend) (*model.Backend, error) {
	s.mu.Lock()
	strategy, preferIdle := s.strategy, s.preferIdle
	s.mu.Unlock()

	candidates := make([]model.Backend, 0, len(snapshot))
	for _, b := range snapshot {
		if b.Status == model.StatusHealthy && b.Enabled && b.TotalQueue() < b.MaxQueue {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.NoCapacity, "no healthy backend with spare capacity")
	}

	if preferIdle {
		idle := make([]model.Backend, 0, len(candidates))
		for _, b := range candidates {
			if b.Pending+b.Running == 0 {
				idle = append(idle, b)
			}
		}
		if len(idle) > 0 {
			candidates = idle
		}
	}

	var chosen model.Backend
	switch strategy {
	case RoundRobin:
		chosen = s.pickRoundRobin(candidates)
	case Weighted:
		chosen = pickWeighted(candidates)
	default:
		chosen = pickLeastBusy(candidates)
	}
	result := chosen
	return &result, nil
}

func pickLeastBusy(candidates []model.Backend) model.Backend {
	best := candidates[0]
	for _, b := range candidates[1:] {
		if less := compareLeastBusy(b, best); less {
			best = b
		}
	}
	return best
}

// compareLeastBusy reports whether a should be preferred over b:
// fewer total queued, tie-break higher weight, tie-break insertion
// order (earlier in the slice wins, so b is only replaced on strict
// improvement).
func compareLeastBusy(a, b model.Backend) bool {
	if a.TotalQueue() != b.TotalQueue() {
		return a.TotalQueue() < b.TotalQueue()
	}
	return a.Weight > b.Weight
}

// pickWeighted minimizes queued-per-weight-slot: TotalQueue()/Weight.
// No +1 padding is needed since weight is always >=1.
func pickWeighted(candidates []model.Backend) model.Backend {
	best := candidates[0]
	bestScore := weightedScore(best)
	for _, b := range candidates[1:] {
		score := weightedScore(b)
		if score < bestScore || (score == bestScore && compareLeastBusy(b, best)) {
			best = b
			bestScore = score
		}
	}
	return best
}

func weightedScore(b model.Backend) float64 {
	weight := b.Weight
	if weight <= 0 {
		weight = 1
	}
	return float64(b.TotalQueue()) / float64(weight)
}

// pickRoundRobin rotates through candidates by registry insertion
// order, resuming after the last chosen backend. Because prefer_idle
// may shrink the candidate set between calls, resuming is done by
// locating the last chosen name in the current candidate list rather
// than trusting a raw index to still point at the same backend; if
// that name is no longer a candidate, it starts back at the front.
func (s *Scheduler) pickRoundRobin(candidates []model.Backend) model.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := 0
	for i, b := range candidates {
		if b.Name == s.rrLast {
			idx = (i + 1) % len(candidates)
			break
		}
	}
	chosen := candidates[idx]
	s.rrLast = chosen.Name
	return chosen
}
