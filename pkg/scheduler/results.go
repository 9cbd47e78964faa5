package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/sprt"
	"github.com/chuckstables/fishtest/pkg/store"
	"github.com/chuckstables/fishtest/pkg/tracing"
)

// Heartbeat accepts a cumulative partial result for a held task and renews
// its lease. It answers StatusStop once the test no longer needs the task.
func (s *Scheduler) Heartbeat(ctx context.Context, workerID, taskID string, partial models.ResultCounters) (models.UpdateStatus, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Heartbeat", trace.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("task_id", taskID),
	))
	defer span.End()

	now := s.now()
	s.workers.Touch(workerID, "", nil, now)

	var (
		status models.UpdateStatus
		testID string
	)
	err := s.store.WithTask(taskID, func(e *store.TestEntry, task *models.Task) error {
		testID = e.Test.ID
		if !task.HeldBy(workerID) || e.Test.Status == models.TestStatusDeleted {
			return ErrUnknownTask
		}
		if !e.Test.AcceptsWork() {
			task.StopRequested = true
			status = models.StatusStop
			return nil
		}
		if err := checkResult(task, partial); err != nil {
			task.Flag(err.Error())
			return err
		}

		task.Lease = task.Lease.Renew(now, s.config.LeaseTimeout)
		task.LastHeartbeat = &now
		s.mergeLocked(e, task, partial)

		if task.StopRequested || !e.Test.AcceptsWork() {
			status = models.StatusStop
		} else {
			status = models.StatusOK
		}
		return nil
	})
	if errors.Is(err, store.ErrTaskNotFound) {
		err = ErrUnknownTask
	}
	if errors.Is(err, ErrMalformedResult) {
		s.metrics.MalformedResult("update")
		s.logger.Warn("Malformed partial result", logging.Fields{
			"test_id": testID, "task_id": taskID, "worker_id": workerID, "error": err,
		})
	}
	if err != nil {
		tracing.SetError(ctx, err)
		return "", err
	}
	return status, nil
}

// CompleteTask records the final result of a task. Repeated or late
// completions for a task that is already closed, or now held by another
// worker, are accepted and ignored.
func (s *Scheduler) CompleteTask(ctx context.Context, workerID, taskID string, final models.ResultCounters) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.CompleteTask", trace.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("task_id", taskID),
	))
	defer span.End()

	now := s.now()
	s.workers.Touch(workerID, "", nil, now)

	var (
		testID    string
		completed bool
	)
	err := s.store.WithTask(taskID, func(e *store.TestEntry, task *models.Task) error {
		testID = e.Test.ID
		if !task.HeldBy(workerID) {
			return nil
		}
		if e.Test.AcceptsWork() {
			if err := checkResult(task, final); err != nil {
				task.Flag(err.Error())
				return err
			}
			s.mergeLocked(e, task, final)
		}

		if err := task.TransitionTo(models.TaskStatusCompleted); err != nil {
			return err
		}
		task.CompletedAt = &now
		task.Lease = task.Lease.Release()
		completed = true

		s.recheckLocked(e)
		return nil
	})
	if errors.Is(err, store.ErrTaskNotFound) {
		err = ErrUnknownTask
	}
	if errors.Is(err, ErrMalformedResult) {
		s.metrics.MalformedResult("complete")
		s.logger.Warn("Malformed final result", logging.Fields{
			"test_id": testID, "task_id": taskID, "worker_id": workerID, "error": err,
		})
	}
	if err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	if !completed {
		return nil
	}

	s.workers.Release(workerID, taskID)
	s.metrics.TaskCompleted(testID)
	s.markDirty(testID)
	s.logger.Info("Task completed", logging.Fields{
		"test_id": testID, "task_id": taskID, "worker_id": workerID, "games": final.Games(),
	})
	return nil
}

// AbortTask gives up a held task on its worker's request and stops the test
// with reason. Counters are left as they are; the test accepts no more work.
func (s *Scheduler) AbortTask(ctx context.Context, workerID, taskID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.AbortTask", trace.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("task_id", taskID),
	))
	defer span.End()

	now := s.now()
	s.workers.Touch(workerID, "", nil, now)

	var (
		testID  string
		stopped bool
	)
	err := s.store.WithTask(taskID, func(e *store.TestEntry, task *models.Task) error {
		testID = e.Test.ID
		if !task.HeldBy(workerID) {
			return ErrUnknownTask
		}
		if e.Test.AcceptsWork() {
			why := fmt.Sprintf("worker %s: %s", workerID, reason)
			if err := e.Test.TransitionTo(models.TestStatusStopped, why, now); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
			}
			s.requestStopLocked(e)
			stopped = true
		}

		task.Flag(reason)
		if err := task.TransitionTo(models.TaskStatusAbandoned); err != nil {
			return err
		}
		task.WorkerID = ""
		task.Lease = task.Lease.Release()
		task.StopRequested = false
		return nil
	})
	if errors.Is(err, store.ErrTaskNotFound) {
		err = ErrUnknownTask
	}
	if err != nil {
		tracing.SetError(ctx, err)
		return err
	}

	s.workers.Release(workerID, taskID)
	if stopped {
		s.metrics.TestFinished(testID, string(models.TestStatusStopped))
	}
	s.markDirty(testID)
	s.logger.Warn("Task aborted by worker", logging.Fields{
		"test_id": testID, "task_id": taskID, "worker_id": workerID, "reason": reason, "test_stopped": stopped,
	})
	return nil
}

// checkResult validates a cumulative result against the task it belongs to.
func checkResult(task *models.Task, r models.ResultCounters) error {
	if err := r.Validate(task.NumGames); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if !r.Covers(task.Result) {
		return fmt.Errorf("%w: cumulative counts decreased", ErrMalformedResult)
	}
	return nil
}

// mergeLocked folds the growth of a task's cumulative result into the test
// counters and re-evaluates the test. Callers hold the entry lock.
func (s *Scheduler) mergeLocked(e *store.TestEntry, task *models.Task, cumulative models.ResultCounters) {
	delta := cumulative.Sub(task.Result)
	task.Result = cumulative
	if delta.IsZero() {
		return
	}
	e.Test.Counters = s.agg.Merge(e.Test.ID, delta)
	s.metrics.GamesMerged(e.Test.ID, delta.Games())
	s.recheckLocked(e)
}

// RecheckVerdict evaluates a test from its counters and applies any resulting
// status change.
func (s *Scheduler) RecheckVerdict(ctx context.Context, testID string) (sprt.Result, error) {
	_, span := s.tracer.Start(ctx, "scheduler.RecheckVerdict", trace.WithAttributes(attribute.String("test_id", testID)))
	defer span.End()

	var res sprt.Result
	err := s.store.WithTest(testID, func(e *store.TestEntry) error {
		var err error
		res, err = s.recheckLocked(e)
		return err
	})
	if errors.Is(err, store.ErrTestNotFound) {
		return sprt.Result{}, ErrTestNotFound
	}
	return res, err
}

// recheckLocked recomputes LLR and verdict. A decisive verdict closes the
// test and asks active tasks to stop; a test whose whole budget has been
// played without a verdict becomes finished. Callers hold the entry lock.
func (s *Scheduler) recheckLocked(e *store.TestEntry) (sprt.Result, error) {
	t := e.Test
	res, err := sprt.Evaluate(t.SPRT, t.Counters.Outcomes())
	if err != nil {
		s.logger.Error("Verdict computation failed", logging.Fields{"test_id": t.ID, "error": err})
		return res, err
	}
	t.LLR = res.LLR
	s.metrics.LLRUpdated(t.ID, res.LLR)

	if !t.AcceptsWork() {
		return res, nil
	}
	t.Verdict = res.Verdict
	now := s.now()

	var to models.TestStatus
	switch {
	case res.Verdict == sprt.Accept:
		to = models.TestStatusPassed
	case res.Verdict == sprt.Reject:
		to = models.TestStatusFailed
	case t.Status == models.TestStatusActive && e.RemainingGames() == 0 &&
		len(e.TasksIn(models.TaskStatusActive)) == 0 &&
		len(e.TasksIn(models.TaskStatusAbandoned)) == 0:
		to = models.TestStatusFinished
	default:
		return res, nil
	}

	reason := fmt.Sprintf("llr %.3f, bounds [%.3f, %.3f]", res.LLR, res.Lower, res.Upper)
	if err := t.TransitionTo(to, reason, now); err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	s.requestStopLocked(e)
	s.metrics.TestFinished(t.ID, string(to))
	s.markDirty(t.ID)
	s.logger.Info("Test concluded", logging.Fields{
		"test_id": t.ID,
		"status":  string(to),
		"llr":     res.LLR,
		"games":   t.Counters.Games(),
	})
	return res, nil
}

// requestStopLocked flags every active task so its worker is told to stop on
// the next exchange.
func (s *Scheduler) requestStopLocked(e *store.TestEntry) {
	for _, task := range e.TasksIn(models.TaskStatusActive) {
		task.StopRequested = true
	}
}

// ReclaimStaleTasks abandons every active task whose lease expired. The
// partial result of a reclaimed task is removed from its test's counters, so
// the work is counted only if a later holder reports it again.
func (s *Scheduler) ReclaimStaleTasks(ctx context.Context) int {
	_, span := s.tracer.Start(ctx, "scheduler.ReclaimStaleTasks")
	defer span.End()

	now := s.now()
	total := 0
	for _, id := range s.store.TestIDs() {
		n := 0
		_ = s.store.WithTest(id, func(e *store.TestEntry) error {
			for _, task := range e.TasksIn(models.TaskStatusActive) {
				if !task.Lease.Expired(now) {
					continue
				}
				s.reclaimLocked(e, task, now)
				n++
			}
			if n > 0 && e.Test.AcceptsWork() {
				_, _ = s.recheckLocked(e)
			}
			return nil
		})
		if n > 0 {
			s.markDirty(id)
		}
		total += n
	}

	span.SetAttributes(attribute.Int("reclaimed", total))
	return total
}

// reclaimLocked abandons one task. Counters of a closed test are left alone.
func (s *Scheduler) reclaimLocked(e *store.TestEntry, task *models.Task, now time.Time) {
	partial := task.Result
	if e.Test.AcceptsWork() {
		if !partial.IsZero() {
			e.Test.Counters = s.agg.Merge(e.Test.ID, partial.Negate())
		}
		task.Result = models.ResultCounters{}
	}

	workerID := task.WorkerID
	_ = task.TransitionTo(models.TaskStatusAbandoned)
	task.WorkerID = ""
	task.Lease = task.Lease.Release()
	task.StopRequested = false
	s.workers.Release(workerID, task.ID)

	s.metrics.TaskReclaimed(e.Test.ID)
	s.logger.Warn("Task lease expired, reclaimed", logging.Fields{
		"test_id":      e.Test.ID,
		"task_id":      task.ID,
		"worker_id":    workerID,
		"games_undone": partial.Games(),
		"last_seen":    timeString(task.LastHeartbeat),
		"now":          now.Format(time.RFC3339),
	})
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
