package engine

import (
	"strings"
	"sync"
)

// WorkerRegistry is the bookkeeping table for all live workers, foreground
// and background. It is the only strong owner of a worker: everything else
// holds lookup-only references, so removal here makes a stopped job
// collectable. Job IDs are monotonic and never reused within a session.
type WorkerRegistry struct {
	mu      sync.Mutex
	nextID  int
	workers map[int]*Worker
	order   []int
}

func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		nextID:  1,
		workers: make(map[int]*Worker),
	}
}

// Add assigns the worker its job ID and registers it.
func (r *WorkerRegistry) Add(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w.jobID = r.nextID
	r.nextID++
	r.workers[w.jobID] = w
	r.order = append(r.order, w.jobID)
}

// Remove deregisters a worker. Unknown IDs are ignored so that cleanup is
// idempotent.
func (r *WorkerRegistry) Remove(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[w.jobID]; !ok {
		return
	}
	delete(r.workers, w.jobID)
	for i, id := range r.order {
		if id == w.jobID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a worker by job ID.
func (r *WorkerRegistry) Get(jobID int) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[jobID]
	return w, ok
}

// Len reports the number of registered workers.
func (r *WorkerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// List returns the registered workers in insertion order.
func (r *WorkerRegistry) List() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// FirstBackground returns the oldest background worker, or nil.
func (r *WorkerRegistry) FirstBackground() *Worker {
	for _, w := range r.List() {
		if w.IsBackground() {
			return w
		}
	}
	return nil
}

// Purge kills every registered worker. Workers remove themselves from the
// registry as their cleanup runs.
func (r *WorkerRegistry) Purge() {
	for _, w := range r.List() {
		_ = w.Kill()
	}
}

// String renders the jobs table for display. Enumeration is best-effort; a
// job may stop while the table is being built.
func (r *WorkerRegistry) String() string {
	var lines []string
	for _, w := range r.List() {
		lines = append(lines, "  "+w.String())
	}
	return strings.Join(lines, "\n")
}
