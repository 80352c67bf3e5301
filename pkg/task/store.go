// Package task provides the TaskStore contract consumed by the A2A
// server's built-in handlers, plus an in-memory reference
// implementation. A TaskStore maps taskId to task state and fans out
// A2AEvents to subscribers; it is the sole shared mutable state on the
// server side.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentvault/pkg/a2a"
	"github.com/kadirpekel/agentvault/pkg/metrics"
)

// Store is the interface the A2A server's built-in handlers (and any
// custom handler declaring a dependency on it) use to create, read, and
// mutate tasks, and to subscribe to their event stream.
type Store interface {
	CreateTask(initialMessage a2a.Message) (a2a.Task, error)
	GetTask(taskID string) (a2a.Task, bool)
	AppendMessage(taskID string, message a2a.Message) error
	AppendArtifact(taskID string, artifact a2a.Artifact) error
	SetState(taskID string, newState a2a.TaskState) error
	Subscribe(taskID string) (<-chan a2a.A2AEvent, error)
}

// ErrUnknownTransition is returned by SetState when the requested
// transition violates the task state machine's monotonicity invariant.
type ErrUnknownTransition struct {
	From, To a2a.TaskState
}

func (e *ErrUnknownTransition) Error() string {
	return "invalid task state transition: " + string(e.From) + " -> " + string(e.To)
}

const subscriberBuffer = 32

type entry struct {
	task        a2a.Task
	subscribers []chan a2a.A2AEvent
}

// InMemoryStore is the reference Store implementation: a plain map
// guarded by a single mutex, with per-task broadcast channels for event
// distribution. A slow subscriber that fills its buffer has new events
// dropped for it rather than blocking the task's producer; this is a
// documented, non-mandatory policy (SPEC_FULL.md §4.4).
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	active  int

	metrics *metrics.Metrics
}

// NewInMemoryStore constructs an empty in-memory task store. m may be
// nil to disable metrics collection.
func NewInMemoryStore(m *metrics.Metrics) *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*entry), metrics: m}
}

var _ Store = (*InMemoryStore)(nil)

// CreateTask creates a fresh task in state SUBMITTED with the given
// initial message as its sole history entry, and assigns it a
// server-generated id.
func (s *InMemoryStore) CreateTask(initialMessage a2a.Message) (a2a.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t := a2a.Task{
		ID:        uuid.New().String(),
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: now},
		History:   []a2a.Message{initialMessage},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.entries[t.ID] = &entry{task: t}
	s.active++
	s.metrics.SetActiveTasks(s.active)
	return t, nil
}

// GetTask returns a snapshot of the task, including history and
// artifacts.
func (s *InMemoryStore) GetTask(taskID string) (a2a.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return a2a.Task{}, false
	}
	return e.task, true
}

// AppendMessage adds a message to the task's history and notifies
// subscribers with a task_message event.
func (s *InMemoryStore) AppendMessage(taskID string, message a2a.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return &a2a.TaskNotFoundError{TaskID: taskID}
	}
	e.task.History = append(e.task.History, message)
	e.task.UpdatedAt = time.Now().UTC()
	s.broadcastLocked(e, a2a.TaskMessageEvent{
		TaskID:    taskID,
		Message:   message,
		Timestamp: e.task.UpdatedAt,
	})
	return nil
}

// AppendArtifact adds an artifact to the task and notifies subscribers
// with a task_artifact event.
func (s *InMemoryStore) AppendArtifact(taskID string, artifact a2a.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return &a2a.TaskNotFoundError{TaskID: taskID}
	}
	e.task.Artifacts = append(e.task.Artifacts, artifact)
	e.task.UpdatedAt = time.Now().UTC()
	s.broadcastLocked(e, a2a.TaskArtifactUpdateEvent{
		TaskID:    taskID,
		Artifact:  artifact,
		Timestamp: e.task.UpdatedAt,
	})
	return nil
}

// SetState transitions the task to newState, enforcing monotonicity, and
// emits a task_status event. If newState is terminal, all subscriber
// channels are closed after the event is delivered so that "exactly one
// terminal status event, the final one" holds for every subscriber.
func (s *InMemoryStore) SetState(taskID string, newState a2a.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return &a2a.TaskNotFoundError{TaskID: taskID}
	}
	if !e.task.Status.State.CanTransitionTo(newState) {
		return &ErrUnknownTransition{From: e.task.Status.State, To: newState}
	}
	now := time.Now().UTC()
	e.task.Status = a2a.TaskStatus{State: newState, Timestamp: now}
	e.task.UpdatedAt = now
	s.broadcastLocked(e, a2a.TaskStatusUpdateEvent{
		TaskID:    taskID,
		State:     newState,
		Timestamp: now,
	})
	if newState.IsTerminal() {
		for _, ch := range e.subscribers {
			close(ch)
		}
		e.subscribers = nil
		s.active--
		s.metrics.SetActiveTasks(s.active)
	}
	return nil
}

// Subscribe returns a channel of this task's future events. The channel
// is closed once the task reaches a terminal state. Subscribing to an
// already-terminal task returns an already-closed channel (consuming
// yields nothing further), matching the "non-restartable" contract.
func (s *InMemoryStore) Subscribe(taskID string) (<-chan a2a.A2AEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return nil, &a2a.TaskNotFoundError{TaskID: taskID}
	}
	ch := make(chan a2a.A2AEvent, subscriberBuffer)
	if e.task.Status.State.IsTerminal() {
		close(ch)
		return ch, nil
	}
	e.subscribers = append(e.subscribers, ch)
	return ch, nil
}

// broadcastLocked sends ev to every subscriber of e, dropping it for any
// subscriber whose buffer is full rather than blocking. Callers must
// hold s.mu.
func (s *InMemoryStore) broadcastLocked(e *entry, ev a2a.A2AEvent) {
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
