// Package taskstore is the Task Store: an indexed, mutex-protected
// collection of in-flight jobs, keyed by internal task id and by
// (backend, upstream prompt id). FIFO pending order and retry counting
// are kept as a map+list pair; completed tasks move into a capped,
// TTL-free ring so memory stays bounded without a background sweep.
package taskstore

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/comfylb/balancer/internal/errs"
	"github.com/comfylb/balancer/internal/model"
)

const defaultCompletedCap = 1000

type Store struct {
	mu sync.Mutex

	maxSize int

	byID       map[string]*model.Task
	byUpstream map[model.Key]*model.Task

	pendingOrder *list.List // FIFO of task ids in state pending, *string elements
	pendingNode  map[string]*list.Element

	completed    *list.List // FIFO of recently terminal task ids for eviction order
	completedCap int

	waitCh chan struct{} // closed+replaced each time pending gains an entry or capacity may have grown
}

func New(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Store{
		maxSize:      maxSize,
		byID:         make(map[string]*model.Task),
		byUpstream:   make(map[model.Key]*model.Task),
		pendingOrder: list.New(),
		pendingNode:  make(map[string]*list.Element),
		completed:    list.New(),
		completedCap: defaultCompletedCap,
		waitCh:       make(chan struct{}),
	}
}

// Wait returns a channel that is closed the next time the store's
// dispatchable state changes (a task entered pending, or capacity may
// have grown). The Dispatcher blocks on it between scan attempts.
func (s *Store) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitCh
}

func (s *Store) signal() {
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}

// Signal wakes any dispatcher blocked on Wait without a task/store
// change of its own — used when a backend transitions to healthy or a
// new backend is enabled.
func (s *Store) Signal() {
	s.mu.Lock()
	s.signal()
	s.mu.Unlock()
}

// Create inserts a new task in state pending. Fails with QueueFull once
// the store holds maxSize live (non-terminal) tasks.
func (s *Store) Create(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byID)-s.completed.Len() >= s.maxSize {
		return errs.New(errs.QueueFull, "task queue at capacity")
	}
	t.State = model.TaskPending
	s.byID[t.ID] = t
	s.pendingNode[t.ID] = s.pendingOrder.PushBack(t.ID)
	s.signal()
	return nil
}

func (s *Store) Get(id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, errs.New(errs.TaskNotFound, "task "+id+" not found")
	}
	snap := t.Snapshot()
	return &snap, nil
}

func (s *Store) ByUpstream(backend, promptID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byUpstream[model.Key{Backend: backend, PromptID: promptID}]
	if !ok {
		return nil, errs.New(errs.TaskNotFound, "no task for backend/prompt")
	}
	snap := t.Snapshot()
	return &snap, nil
}

// ByPromptID finds a task by its upstream prompt id alone, without
// knowing which backend it landed on. A stock ComfyUI client polls
// /history/{prompt_id} using only the id the backend handed back from
// /prompt, so this is the fallback getHistory needs when the path
// param isn't one of this instance's own task ids.
func (s *Store) ByPromptID(promptID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.byUpstream {
		if k.PromptID == promptID {
			snap := t.Snapshot()
			return &snap, nil
		}
	}
	return nil, errs.New(errs.TaskNotFound, "no task for prompt "+promptID)
}

// List returns a snapshot of every live task, oldest first.
func (s *Store) List() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PopPendingHead removes and returns the oldest pending task id without
// changing its state, for the Dispatcher to evaluate against capacity.
// The caller must call ReinsertHead or transition the task; if neither
// happens the task is effectively dropped, so Dispatcher always does
// one or the other.
func (s *Store) PopPendingHead() (*model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.pendingOrder.Front()
	if front == nil {
		return nil, false
	}
	id := front.Value.(string)
	s.pendingOrder.Remove(front)
	delete(s.pendingNode, id)
	t, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return t, true
}

// ReinsertHead puts a task id back at the front of the pending FIFO,
// used when the scheduler reports NoCapacity for the popped head.
func (s *Store) ReinsertHead(id string) {
	s.mu.Lock()
	s.pendingNode[id] = s.pendingOrder.PushFront(id)
	s.mu.Unlock()
}

// Transition moves a task from one state to another, enforcing the
// allowed edges. Mutations to AssignedBackend/UpstreamPromptID/
// LastError happen via the mutate callback inside the same critical
// section as the state change. A task re-entering pending is placed at
// the back of the FIFO — the ordinary case of a transient submit retry.
// Use TransitionToPendingHead for a backend-loss requeue, which must
// jump ahead of work that has never been attempted.
func (s *Store) Transition(id string, to model.TaskState, mutate func(t *model.Task)) error {
	return s.transition(id, to, mutate, false)
}

// TransitionToPendingHead behaves like Transition but, when to is
// TaskPending, inserts at the front of the FIFO instead of the back.
// Health-monitor-driven (backend-loss) requeues use this so tasks
// that already waited once for dispatch are not pushed behind tasks
// that have never been attempted.
func (s *Store) TransitionToPendingHead(id string, mutate func(t *model.Task)) error {
	return s.transition(id, model.TaskPending, mutate, true)
}

func (s *Store) transition(id string, to model.TaskState, mutate func(t *model.Task), toHead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return errs.New(errs.TaskNotFound, "task "+id+" not found")
	}
	from := t.State
	if from == to {
		return nil // redundant terminal transition is a no-op
	}
	if !model.CanTransition(from, to) {
		return errs.New(errs.InvalidTransition, string(from)+" -> "+string(to))
	}

	// A requeue clears the upstream index since the task gets a new
	// prompt id, possibly on a different backend, on redispatch. A
	// terminal transition leaves it indexed so a history poll by
	// prompt id still resolves after completion; retireLocked clears
	// it once the task itself is evicted.
	if from == model.TaskDispatched && to == model.TaskPending {
		delete(s.byUpstream, t.Key())
	}

	t.State = to
	if mutate != nil {
		mutate(t)
	}

	switch to {
	case model.TaskPending:
		if toHead {
			s.pendingNode[id] = s.pendingOrder.PushFront(id)
		} else {
			s.pendingNode[id] = s.pendingOrder.PushBack(id)
		}
	case model.TaskDispatched:
		if t.AssignedBackend != "" && t.UpstreamPromptID != "" {
			s.byUpstream[t.Key()] = t
		}
	}

	if to.IsTerminal() {
		s.retireLocked(id)
	}

	s.signal()
	return nil
}

// retireLocked moves a terminal task out of the live index into the
// capped completed ring, evicting the oldest entry beyond the cap.
func (s *Store) retireLocked(id string) {
	t, ok := s.byID[id]
	if !ok {
		return
	}
	t.CompletedAt = time.Now()
	s.completed.PushBack(id)
	for s.completed.Len() > s.completedCap {
		oldest := s.completed.Remove(s.completed.Front()).(string)
		if ot, ok := s.byID[oldest]; ok {
			delete(s.byUpstream, ot.Key())
		}
		delete(s.byID, oldest)
	}
}

// Cancel transitions id to cancelled. A no-op returning success if the
// task is already terminal.
func (s *Store) Cancel(id string) (*model.Task, error) {
	s.mu.Lock()
	t, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.New(errs.TaskNotFound, "task "+id+" not found")
	}
	if t.State.IsTerminal() {
		snap := t.Snapshot()
		s.mu.Unlock()
		return &snap, nil
	}
	from := t.State
	s.mu.Unlock()

	err := s.Transition(id, model.TaskCancelled, nil)
	if err != nil {
		return nil, err
	}
	if from == model.TaskPending {
		s.mu.Lock()
		if node, ok := s.pendingNode[id]; ok {
			s.pendingOrder.Remove(node)
			delete(s.pendingNode, id)
		}
		s.mu.Unlock()
	}
	snap, _ := s.Get(id)
	return snap, nil
}

// Len returns the number of live (non-evicted) tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// PendingCount returns the number of tasks currently queued, FIFO.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingOrder.Len()
}

// ListDispatchedOlderThan returns dispatched tasks whose DispatchedAt
// predates the cutoff, for the Dispatcher's history-poll completion
// fallback.
func (s *Store) ListDispatchedOlderThan(cutoff time.Time) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.byID {
		if t.State == model.TaskDispatched && t.DispatchedAt.Before(cutoff) {
			out = append(out, t.Snapshot())
		}
	}
	return out
}

// ListByBackend returns live tasks dispatched to the given backend, for
// the Health Monitor's backend-lost re-queue sweep.
func (s *Store) ListByBackend(backend string) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.byID {
		if t.AssignedBackend == backend && t.State == model.TaskDispatched {
			out = append(out, t.Snapshot())
		}
	}
	return out
}
