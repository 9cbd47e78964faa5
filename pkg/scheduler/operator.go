package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/metrics"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/sprt"
	"github.com/chuckstables/fishtest/pkg/store"
)

// CreateTest registers a new pending test. Tasks are created lazily as
// workers ask for work.
func (s *Scheduler) CreateTest(ctx context.Context, req models.TestRequest) (*models.Test, error) {
	_, span := s.tracer.Start(ctx, "scheduler.CreateTest")
	defer span.End()

	if err := sprt.Validate(req.SPRT); err != nil {
		return nil, err
	}
	if req.NumGames < 2 {
		return nil, fmt.Errorf("%w: num_games must be at least 2", ErrInvalidTest)
	}
	if req.NumGames%2 != 0 {
		return nil, fmt.Errorf("%w: num_games must be even, games are played in pairs", ErrInvalidTest)
	}
	if req.Params.Threads < 1 {
		return nil, fmt.Errorf("%w: threads must be at least 1", ErrInvalidTest)
	}
	if req.Params.TimeControl == "" {
		return nil, fmt.Errorf("%w: time_control is required", ErrInvalidTest)
	}

	test := &models.Test{
		ID:        s.newID(),
		Info:      req.Info,
		Baseline:  req.Baseline,
		Candidate: req.Candidate,
		Params:    req.Params,
		SPRT:      req.SPRT,
		NumGames:  req.NumGames,
		Priority:  req.Priority,
		Status:    models.TestStatusPending,
		Verdict:   sprt.Continue,
		CreatedAt: s.now(),
	}
	if err := s.store.AddTest(test, nil); err != nil {
		return nil, err
	}
	s.agg.Reset(test.ID, models.ResultCounters{})
	s.markDirty(test.ID)

	span.SetAttributes(attribute.String("test_id", test.ID))
	s.logger.Info("Test created", logging.Fields{
		"test_id":   test.ID,
		"sequence":  test.SequenceNumber,
		"num_games": test.NumGames,
		"elo0":      test.SPRT.Elo0,
		"elo1":      test.SPRT.Elo1,
		"priority":  test.Priority,
	})

	out := *test
	return &out, nil
}

// StopTest ends a test on operator request.
func (s *Scheduler) StopTest(ctx context.Context, testID, reason string) error {
	if reason == "" {
		reason = "stopped by operator"
	}
	return s.transition(ctx, testID, models.TestStatusStopped, reason)
}

// DeleteTest marks a test deleted. It stays visible until the retention
// cleanup purges it.
func (s *Scheduler) DeleteTest(ctx context.Context, testID string) error {
	return s.transition(ctx, testID, models.TestStatusDeleted, "deleted by operator")
}

func (s *Scheduler) transition(ctx context.Context, testID string, to models.TestStatus, reason string) error {
	_, span := s.tracer.Start(ctx, "scheduler.transition", trace.WithAttributes(
		attribute.String("test_id", testID),
		attribute.String("to", string(to)),
	))
	defer span.End()

	err := s.store.WithTest(testID, func(e *store.TestEntry) error {
		if err := e.Test.TransitionTo(to, reason, s.now()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		s.requestStopLocked(e)
		return nil
	})
	if errors.Is(err, store.ErrTestNotFound) {
		return ErrTestNotFound
	}
	if err != nil {
		return err
	}

	s.metrics.TestFinished(testID, string(to))
	s.markDirty(testID)
	s.logger.Info("Test status changed", logging.Fields{"test_id": testID, "status": string(to), "reason": reason})
	return nil
}

// SetPriority changes the scheduling priority of a test.
func (s *Scheduler) SetPriority(ctx context.Context, testID string, priority int) error {
	err := s.store.WithTest(testID, func(e *store.TestEntry) error {
		if e.Test.Status == models.TestStatusDeleted {
			return fmt.Errorf("%w: test is deleted", ErrInvalidTransition)
		}
		e.Test.Priority = priority
		return nil
	})
	if errors.Is(err, store.ErrTestNotFound) {
		return ErrTestNotFound
	}
	if err != nil {
		return err
	}
	s.markDirty(testID)
	return nil
}

// GetTest returns a test with its derived statistics.
func (s *Scheduler) GetTest(ctx context.Context, testID string) (models.TestView, error) {
	var view models.TestView
	err := s.store.WithTest(testID, func(e *store.TestEntry) error {
		view = viewOf(e)
		return nil
	})
	if errors.Is(err, store.ErrTestNotFound) {
		return models.TestView{}, ErrTestNotFound
	}
	return view, err
}

// ListTests returns tests in creation order. An empty status lists every
// test except deleted ones.
func (s *Scheduler) ListTests(ctx context.Context, status models.TestStatus) []models.TestView {
	var out []models.TestView
	for _, snap := range s.store.Snapshots() {
		switch {
		case status == "" && snap.Test.Status == models.TestStatusDeleted:
			continue
		case status != "" && snap.Test.Status != status:
			continue
		}
		_ = s.store.WithTest(snap.Test.ID, func(e *store.TestEntry) error {
			out = append(out, viewOf(e))
			return nil
		})
	}
	return out
}

// ListTasks returns copies of a test's tasks.
func (s *Scheduler) ListTasks(ctx context.Context, testID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.store.WithTest(testID, func(e *store.TestEntry) error {
		tasks = e.Snapshot().Tasks
		return nil
	})
	if errors.Is(err, store.ErrTestNotFound) {
		return nil, ErrTestNotFound
	}
	return tasks, err
}

// TouchWorker records contact from a worker, e.g. to keep its name current.
func (s *Scheduler) TouchWorker(workerID, name string, capability *models.Capability) {
	s.workers.Touch(workerID, name, capability, s.now())
}

// ListWorkers returns the known worker sessions.
func (s *Scheduler) ListWorkers() []models.Worker {
	return s.workers.List()
}

// Stats summarizes the scheduler for the metrics exporter.
func (s *Scheduler) Stats() metrics.State {
	st := metrics.State{
		TestsByStatus:   make(map[string]int),
		WorkersByHealth: make(map[string]int),
	}
	for _, id := range s.store.TestIDs() {
		_ = s.store.WithTest(id, func(e *store.TestEntry) error {
			st.TestsByStatus[string(e.Test.Status)]++
			sum := e.Summary()
			st.ActiveTasks += sum.Active
			st.AbandonedTasks += sum.Abandoned
			return nil
		})
	}
	for _, w := range s.workers.List() {
		st.WorkersByHealth[string(w.Health)]++
	}
	return st
}

// PurgeTerminal removes closed tests that finished before cutoff from memory
// and from the persister.
func (s *Scheduler) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	var victims []string
	for _, id := range s.store.TestIDs() {
		_ = s.store.WithTest(id, func(e *store.TestEntry) error {
			t := e.Test
			if !models.IsTerminalTestStatus(t.Status) || t.FinishedAt == nil || !t.FinishedAt.Before(cutoff) {
				return nil
			}
			for _, task := range e.TasksIn(models.TaskStatusActive) {
				s.workers.Release(task.WorkerID, task.ID)
			}
			victims = append(victims, id)
			return nil
		})
	}

	var errs []error
	purged := 0
	for _, id := range victims {
		if err := s.store.RemoveTest(id); err != nil {
			continue
		}
		s.agg.Forget(id)
		purged++
		if s.persister != nil {
			if err := s.persister.DeleteTest(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("test %s: %w", id, err))
			}
		}
	}
	return purged, errors.Join(errs...)
}

func viewOf(e *store.TestEntry) models.TestView {
	snap := e.Snapshot()
	lower, upper := sprt.Bounds(snap.Test.SPRT)
	return models.TestView{
		Test:     snap.Test,
		Bounds:   models.SPRTBounds{Lower: lower, Upper: upper},
		Estimate: sprt.EloEstimate(snap.Test.Counters.Outcomes()),
		Tasks:    e.Summary(),
	}
}

// ResolveTestID maps a test id or a sequence number to the test id.
func (s *Scheduler) ResolveTestID(ref string) (string, error) {
	seq, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return ref, nil
	}
	for _, id := range s.store.TestIDs() {
		found := false
		_ = s.store.WithTest(id, func(e *store.TestEntry) error {
			found = e.Test.SequenceNumber == seq
			return nil
		})
		if found {
			return id, nil
		}
	}
	return "", ErrTestNotFound
}
