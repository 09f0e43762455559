package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task states.
const (
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Task is one background job started through the API.
type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target,omitempty"`
	State      string    `json:"state"`
	ItemCount  int       `json:"item_count"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// taskRegistry tracks background jobs by id. Completed tasks stay visible
// until the process exits.
type taskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[string]*Task)}
}

func (r *taskRegistry) start(kind, target string) *Task {
	task := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		State:     TaskRunning,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()
	return task
}

func (r *taskRegistry) finish(id string, items int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	task.ItemCount = items
	task.FinishedAt = time.Now().UTC()
	if err != nil {
		task.State = TaskFailed
		task.Error = err.Error()
	} else {
		task.State = TaskDone
	}
}

func (r *taskRegistry) get(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil
	}
	copied := *task
	return &copied
}
