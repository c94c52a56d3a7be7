package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task is one outstanding asynchronous operation tracked by the registry.
type Task struct {
	ID    string
	Name  string
	Owner string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel requests task termination. Safe to call multiple times.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Done is closed when the task has settled (completed or cancelled).
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) settle() {
	t.once.Do(func() { close(t.done) })
}

// Registry tracks outstanding tasks per owner so cancellation is
// deterministic and removal is exactly-once.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	r := new(Registry)
	r.tasks = make(map[string]*Task)
	return r
}

// Register records a new task for the owner and returns it.
func (r *Registry) Register(owner, name string, cancel context.CancelFunc) *Task {
	task := &Task{
		ID:     uuid.NewString(),
		Name:   name,
		Owner:  owner,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
	return task
}

// Remove deletes the task and marks it settled. Removing an already-removed
// task is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if ok {
		task.settle()
	}
}

// CancelOwner cancels every task belonging to the owner and returns the
// cancelled tasks so callers can await their settlement.
func (r *Registry) CancelOwner(owner string) []*Task {
	tasks := r.OwnedBy(owner)
	for _, task := range tasks {
		task.Cancel()
	}
	return tasks
}

// OwnedBy returns the live tasks registered by the owner.
func (r *Registry) OwnedBy(owner string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if task.Owner == owner {
			out = append(out, task)
		}
	}
	return out
}

// Len reports the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
