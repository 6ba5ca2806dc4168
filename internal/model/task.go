package model

import "time"

type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskDispatching TaskState = "dispatching"
	TaskDispatched  TaskState = "dispatched"
	TaskCompleted   TaskState = "completed"
	TaskFailed      TaskState = "failed"
	TaskCancelled   TaskState = "cancelled"
)

// IsTerminal reports whether s is a frozen final state.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the Task Store's owned record for one client-submitted prompt.
// Payload is carried as an opaque JSON blob end to end; the dispatcher
// never inspects node structure inside it.
type Task struct {
	ID                string
	State             TaskState
	Payload           []byte // opaque prompt JSON, as received from the client
	ClientID          string
	AssignedBackend   string // "" until dispatching
	UpstreamPromptID  string // "" until the backend accepts the submit
	Attempts          int
	LastError         string
	LastErrorKind     string
	CreatedAt         time.Time
	DispatchedAt      time.Time
	CompletedAt       time.Time
}

// Key identifies a dispatched task by the pair that must be unique
// across all live tasks.
type Key struct {
	Backend  string
	PromptID string
}

func (t *Task) Key() Key {
	return Key{Backend: t.AssignedBackend, PromptID: t.UpstreamPromptID}
}

// Snapshot returns a value copy safe to hand out without the store's
// lock held.
func (t *Task) Snapshot() Task {
	return *t
}

// allowedTransitions enumerates every edge permitted by the task state
// machine; anything not listed here is an InvalidTransition.
var allowedTransitions = map[TaskState]map[TaskState]bool{
	TaskPending: {
		TaskDispatching: true,
		TaskCancelled:   true,
	},
	TaskDispatching: {
		TaskDispatched: true,
		TaskPending:    true, // transient submit failure, attempts < max_retries
		TaskFailed:     true, // SubmitRejected, non-retryable
		TaskCancelled:  true,
	},
	TaskDispatched: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskPending:   true, // backend loss before completion, attempts < max_retries
		TaskCancelled: true,
	},
}

// CanTransition reports whether from -> to is an edge in the state
// machine described in the data model.
func CanTransition(from, to TaskState) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
