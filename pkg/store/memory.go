package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/chuckstables/fishtest/pkg/models"
)

var (
	ErrTestNotFound = errors.New("test not found")
	ErrTaskNotFound = errors.New("task not found")
	ErrTestExists   = errors.New("test already exists")
)

// TestEntry is a test and its tasks. All access goes through MemoryStore.WithTest
// or MemoryStore.WithTask, which hold the entry's lock for the whole callback.
type TestEntry struct {
	mu    sync.Mutex
	Test  *models.Test
	Tasks []*models.Task // ordered by Index
}

// Task returns the task with the given id, or nil.
func (e *TestEntry) Task(id string) *models.Task {
	for _, t := range e.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AllocatedGames is the number of games covered by existing tasks. Abandoned
// tasks still count until they are reissued or shrunk.
func (e *TestEntry) AllocatedGames() int {
	n := 0
	for _, t := range e.Tasks {
		n += t.NumGames
	}
	return n
}

// RemainingGames is the part of the budget no task covers yet.
func (e *TestEntry) RemainingGames() int {
	rem := e.Test.NumGames - e.AllocatedGames()
	if rem < 0 {
		return 0
	}
	return rem
}

// FirstAbandoned returns the abandoned task with the lowest index, or nil.
func (e *TestEntry) FirstAbandoned() *models.Task {
	for _, t := range e.Tasks {
		if t.Status == models.TaskStatusAbandoned {
			return t
		}
	}
	return nil
}

// TasksIn returns the tasks in the given status.
func (e *TestEntry) TasksIn(status models.TaskStatus) []*models.Task {
	var out []*models.Task
	for _, t := range e.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Summary counts the entry's tasks by status.
func (e *TestEntry) Summary() models.TaskSummary {
	s := models.TaskSummary{Total: len(e.Tasks)}
	for _, t := range e.Tasks {
		switch t.Status {
		case models.TaskStatusActive:
			s.Active++
		case models.TaskStatusCompleted:
			s.Completed++
		case models.TaskStatusAbandoned:
			s.Abandoned++
		}
		if t.Flagged {
			s.Flagged++
		}
	}
	return s
}

// Snapshot copies the entry for persistence or display.
func (e *TestEntry) Snapshot() Snapshot {
	snap := Snapshot{Test: *e.Test, Tasks: make([]models.Task, len(e.Tasks))}
	snap.Test.StateTransitions = append([]models.StateTransition(nil), e.Test.StateTransitions...)
	for i, t := range e.Tasks {
		snap.Tasks[i] = *t
	}
	return snap
}

// MemoryStore is the in-memory task store. The maps are guarded by mu; each
// test's state is guarded by its entry lock, so different tests never contend.
type MemoryStore struct {
	mu        sync.RWMutex
	tests     map[string]*TestEntry
	taskIndex map[string]string // task id -> test id
	seq       int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:     make(map[string]*TestEntry),
		taskIndex: make(map[string]string),
	}
}

// AddTest registers a test and its tasks. A zero SequenceNumber is assigned
// the next creation sequence.
func (s *MemoryStore) AddTest(test *models.Test, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[test.ID]; ok {
		return ErrTestExists
	}
	if test.SequenceNumber == 0 {
		s.seq++
		test.SequenceNumber = s.seq
	} else if test.SequenceNumber > s.seq {
		s.seq = test.SequenceNumber
	}

	sorted := append([]*models.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	s.tests[test.ID] = &TestEntry{Test: test, Tasks: sorted}
	for _, t := range sorted {
		s.taskIndex[t.ID] = test.ID
	}
	return nil
}

// WithTest runs fn while holding the lock of the test's entry.
func (s *MemoryStore) WithTest(testID string, fn func(e *TestEntry) error) error {
	s.mu.RLock()
	entry, ok := s.tests[testID]
	s.mu.RUnlock()
	if !ok {
		return ErrTestNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry)
}

// WithTask looks up the test owning taskID and runs fn under that test's lock.
func (s *MemoryStore) WithTask(taskID string, fn func(e *TestEntry, t *models.Task) error) error {
	s.mu.RLock()
	testID, ok := s.taskIndex[taskID]
	s.mu.RUnlock()
	if !ok {
		return ErrTaskNotFound
	}

	return s.WithTest(testID, func(e *TestEntry) error {
		task := e.Task(taskID)
		if task == nil {
			return ErrTaskNotFound
		}
		return fn(e, task)
	})
}

// AppendTask adds a new task to an entry. Callers hold the entry lock via WithTest.
func (s *MemoryStore) AppendTask(e *TestEntry, task *models.Task) {
	e.Tasks = append(e.Tasks, task)

	s.mu.Lock()
	s.taskIndex[task.ID] = e.Test.ID
	s.mu.Unlock()
}

// TestIDs returns the ids of all tests.
func (s *MemoryStore) TestIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tests))
	for id := range s.tests {
		ids = append(ids, id)
	}
	return ids
}

// Snapshots copies every test and its tasks, ordered by creation sequence.
func (s *MemoryStore) Snapshots() []Snapshot {
	ids := s.TestIDs()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		_ = s.WithTest(id, func(e *TestEntry) error {
			out = append(out, e.Snapshot())
			return nil
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Test.SequenceNumber < out[j].Test.SequenceNumber })
	return out
}

// RemoveTest drops a test and its task index entries.
func (s *MemoryStore) RemoveTest(testID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[testID]; !ok {
		return ErrTestNotFound
	}
	for id, tid := range s.taskIndex {
		if tid == testID {
			delete(s.taskIndex, id)
		}
	}
	delete(s.tests, testID)
	return nil
}

// Count returns the number of tests held.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tests)
}
