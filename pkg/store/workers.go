package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chuckstables/fishtest/pkg/models"
)

var ErrWorkerNotFound = errors.New("worker not found")

// WorkerRegistry tracks connected worker sessions. It is independent of task
// leases: a worker is "seen" on every exchange, whatever task it holds.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]*models.Worker)}
}

// Touch records contact from a worker, registering it on first sight.
// A nil capability keeps the previously declared one.
func (r *WorkerRegistry) Touch(id, name string, capability *models.Capability, now time.Time) *models.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		w = &models.Worker{ID: id, FirstSeen: now}
		r.workers[id] = w
	}
	if name != "" {
		w.Name = name
	}
	if capability != nil {
		w.Capability = *capability
	}
	w.LastSeen = now
	w.Health = models.WorkerHealthy
	return w
}

// Hold records that the worker claimed taskID.
func (r *WorkerRegistry) Hold(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	for _, t := range w.HeldTasks {
		if t == taskID {
			return
		}
	}
	w.HeldTasks = append(w.HeldTasks, taskID)
}

// Release drops taskID from the worker's held tasks.
func (r *WorkerRegistry) Release(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return
	}
	held := w.HeldTasks[:0]
	for _, t := range w.HeldTasks {
		if t != taskID {
			held = append(held, t)
		}
	}
	w.HeldTasks = held
}

// Get returns a copy of a worker.
func (r *WorkerRegistry) Get(id string) (models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return models.Worker{}, ErrWorkerNotFound
	}
	return copyWorker(w), nil
}

// List returns copies of all workers, most recently seen first.
func (r *WorkerRegistry) List() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// MarkStale flags workers not seen since cutoff and forgets those that hold
// no tasks and have not been seen since forgetBefore. It returns the number of
// workers currently stale.
func (r *WorkerRegistry) MarkStale(cutoff, forgetBefore time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := 0
	for id, w := range r.workers {
		if w.LastSeen.Before(forgetBefore) && len(w.HeldTasks) == 0 {
			delete(r.workers, id)
			continue
		}
		if w.LastSeen.Before(cutoff) {
			w.Health = models.WorkerStale
			stale++
		} else {
			w.Health = models.WorkerHealthy
		}
	}
	return stale
}

func copyWorker(w *models.Worker) models.Worker {
	c := *w
	c.HeldTasks = append([]string(nil), w.HeldTasks...)
	return c
}
