package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuckstables/fishtest/pkg/models"
)

func newTest(id string, games int) *models.Test {
	return &models.Test{
		ID:        id,
		NumGames:  games,
		Status:    models.TestStatusPending,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStoreAddAndLookup(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AddTest(newTest("a", 100), nil))
	require.NoError(t, s.AddTest(newTest("b", 100), nil))

	err := s.AddTest(newTest("a", 100), nil)
	assert.ErrorIs(t, err, ErrTestExists)

	var seq int64
	require.NoError(t, s.WithTest("b", func(e *TestEntry) error {
		seq = e.Test.SequenceNumber
		return nil
	}))
	assert.Equal(t, int64(2), seq)

	err = s.WithTest("missing", func(e *TestEntry) error { return nil })
	assert.ErrorIs(t, err, ErrTestNotFound)
	assert.Equal(t, 2, s.Count())
}

func TestMemoryStoreTaskIndex(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AddTest(newTest("a", 100), nil))

	require.NoError(t, s.WithTest("a", func(e *TestEntry) error {
		s.AppendTask(e, &models.Task{ID: "task-1", TestID: "a", NumGames: 40, Status: models.TaskStatusActive})
		s.AppendTask(e, &models.Task{ID: "task-2", TestID: "a", Index: 1, NumGames: 40, Status: models.TaskStatusAbandoned})
		return nil
	}))

	err := s.WithTask("task-2", func(e *TestEntry, task *models.Task) error {
		assert.Equal(t, "a", e.Test.ID)
		assert.Equal(t, 80, e.AllocatedGames())
		assert.Equal(t, 20, e.RemainingGames())
		assert.Equal(t, task, e.FirstAbandoned())
		assert.Len(t, e.TasksIn(models.TaskStatusActive), 1)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTask("nope", func(e *TestEntry, task *models.Task) error { return nil })
	assert.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, s.RemoveTest("a"))
	err = s.WithTask("task-1", func(e *TestEntry, task *models.Task) error { return nil })
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryStoreCallbackErrorPropagates(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AddTest(newTest("a", 10), nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, s.WithTest("a", func(e *TestEntry) error { return boom }), boom)
}

// Different tests must be lockable concurrently; the same test serializes.
func TestMemoryStoreConcurrentTests(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.AddTest(newTest(fmt.Sprintf("t%d", i), 1000), nil))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for j := 0; j < 25; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				_ = s.WithTest(fmt.Sprintf("t%d", i), func(e *TestEntry) error {
					s.AppendTask(e, &models.Task{ID: fmt.Sprintf("t%d-%d", i, j), TestID: e.Test.ID, NumGames: 2})
					return nil
				})
			}(i, j)
		}
	}
	wg.Wait()

	for _, snap := range s.Snapshots() {
		assert.Len(t, snap.Tasks, 25, snap.Test.ID)
	}
}

func TestWorkerRegistry(t *testing.T) {
	r := NewWorkerRegistry()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Touch("w1", "box", &models.Capability{Concurrency: 4}, now)
	r.Hold("w1", "task-1")
	r.Hold("w1", "task-1")
	r.Touch("w2", "", &models.Capability{Concurrency: 1}, now.Add(time.Minute))

	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, w.HeldTasks)
	assert.Equal(t, 4, w.Capability.Concurrency)

	r.Touch("w1", "", nil, now.Add(2*time.Minute))
	w, _ = r.Get("w1")
	assert.Equal(t, 4, w.Capability.Concurrency, "nil capability keeps the previous one")
	assert.Equal(t, "box", w.Name)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "w1", list[0].ID)

	stale := r.MarkStale(now.Add(90*time.Second), now.Add(90*time.Second))
	assert.Equal(t, 0, stale)
	_, err = r.Get("w2")
	assert.ErrorIs(t, err, ErrWorkerNotFound, "idle stale worker is forgotten")

	r.Release("w1", "task-1")
	w, _ = r.Get("w1")
	assert.Empty(t, w.HeldTasks)
}
