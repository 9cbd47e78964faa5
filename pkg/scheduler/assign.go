package scheduler

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chuckstables/fishtest/pkg/lease"
	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/store"
)

var errSkip = errors.New("test cannot serve worker")

// candidate is the part of a test the priority order looks at.
type candidate struct {
	id       string
	priority int
	seq      int64
}

// sortCandidates orders tests by priority (higher first), then by creation
// sequence (older first).
func sortCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].priority != c[j].priority {
			return c[i].priority > c[j].priority
		}
		return c[i].seq < c[j].seq
	})
}

// grantedSlots is the number of game slots a worker gets for a test, or 0 if
// the worker cannot run the test at all.
func grantedSlots(capability models.Capability, params models.GameParams) int {
	threads := params.Threads
	if threads < 1 {
		threads = 1
	}
	if capability.Concurrency < threads {
		return 0
	}
	return capability.Concurrency / threads
}

// taskGames sizes a task for the granted slots: whole game pairs, capped.
func (c Config) taskGames(slots int) int {
	n := slots * c.GamesPerSlot
	if n%2 == 1 {
		n++
	}
	limit := c.MaxTaskGames - c.MaxTaskGames%2
	if limit < 2 {
		limit = 2
	}
	if n > limit {
		n = limit
	}
	return n
}

// RequestTask claims a task for the worker. It returns ErrNoWorkAvailable
// when no test can use the worker. It never waits for work to appear.
func (s *Scheduler) RequestTask(ctx context.Context, workerID string, capability models.Capability) (*models.TaskAssignment, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.RequestTask", trace.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.Int("concurrency", capability.Concurrency),
	))
	defer span.End()

	now := s.now()
	s.workers.Touch(workerID, "", &capability, now)

	cands := s.candidates()
	for _, c := range cands {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var assignment *models.TaskAssignment
		err := s.store.WithTest(c.id, func(e *store.TestEntry) error {
			a, err := s.assignLocked(e, workerID, capability)
			assignment = a
			return err
		})
		if errors.Is(err, errSkip) || errors.Is(err, store.ErrTestNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.workers.Hold(workerID, assignment.Task.ID)
		s.metrics.TaskAssigned(c.id)
		s.markDirty(c.id)
		span.SetAttributes(attribute.String("test_id", c.id), attribute.String("task_id", assignment.Task.ID))
		s.logger.Info("Task assigned", logging.Fields{
			"test_id":   c.id,
			"task_id":   assignment.Task.ID,
			"worker_id": workerID,
			"games":     assignment.Task.NumGames,
			"attempt":   assignment.Task.Attempts,
		})
		return assignment, nil
	}

	s.metrics.NoWork()
	return nil, ErrNoWorkAvailable
}

// candidates lists tests that may accept work, in priority order.
func (s *Scheduler) candidates() []candidate {
	var out []candidate
	for _, id := range s.store.TestIDs() {
		_ = s.store.WithTest(id, func(e *store.TestEntry) error {
			if e.Test.AcceptsWork() {
				out = append(out, candidate{id: id, priority: e.Test.Priority, seq: e.Test.SequenceNumber})
			}
			return nil
		})
	}
	sortCandidates(out)
	return out
}

// assignLocked issues a task of e to the worker. Callers hold the entry lock.
func (s *Scheduler) assignLocked(e *store.TestEntry, workerID string, capability models.Capability) (*models.TaskAssignment, error) {
	t := e.Test
	if !t.AcceptsWork() || t.Verdict.IsDecisive() {
		return nil, errSkip
	}
	slots := grantedSlots(capability, t.Params)
	if slots == 0 {
		return nil, errSkip
	}
	want := s.config.taskGames(slots)
	now := s.now()

	task := e.FirstAbandoned()
	if task != nil {
		// Games beyond the new capacity go back to the unallocated budget.
		if task.NumGames > want {
			task.NumGames = want
		}
	} else {
		remaining := e.RemainingGames()
		if remaining <= 0 {
			return nil, errSkip
		}
		games := want
		if games > remaining {
			games = remaining
		}
		task = &models.Task{
			ID:       s.newID(),
			TestID:   t.ID,
			Index:    len(e.Tasks),
			NumGames: games,
			Status:   models.TaskStatusPending,
		}
		s.store.AppendTask(e, task)
	}

	if err := task.TransitionTo(models.TaskStatusActive); err != nil {
		return nil, err
	}
	task.Attempts++
	task.Concurrency = slots
	task.WorkerID = workerID
	task.Lease = lease.Grant(workerID, task.ID, task.Attempts, now, s.config.LeaseTimeout)
	task.Result = models.ResultCounters{}
	task.StopRequested = false
	task.Flagged = false
	task.FlagReason = ""
	task.AssignedAt = &now
	task.LastHeartbeat = &now
	task.CompletedAt = nil

	if t.Status == models.TestStatusPending {
		if err := t.TransitionTo(models.TestStatusActive, "first task issued", now); err != nil {
			return nil, err
		}
	}

	return &models.TaskAssignment{
		Task:      *task,
		Baseline:  t.Baseline,
		Candidate: t.Candidate,
		Params:    t.Params,
		LeaseTTL:  s.config.LeaseTimeout.Seconds(),
	}, nil
}
