package scheduler

import (
	"context"
	"fmt"

	"github.com/chuckstables/fishtest/pkg/aggregator"
	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/sprt"
	"github.com/chuckstables/fishtest/pkg/store"
)

// Recover loads persisted tests into an empty scheduler. Claims do not
// survive a restart: every task that was active comes back abandoned. For
// open tests the partial results of those tasks are dropped and the counters
// are rebuilt from completed tasks; closed tests keep their counters. It
// returns the number of tests loaded.
func (s *Scheduler) Recover(ctx context.Context, persister store.Persister) (int, error) {
	snaps, err := persister.LoadTests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load tests: %w", err)
	}

	abandoned := 0
	for _, snap := range snaps {
		test := snap.Test
		open := test.AcceptsWork()

		tasks := make([]*models.Task, 0, len(snap.Tasks))
		var completed []models.ResultCounters
		for i := range snap.Tasks {
			task := snap.Tasks[i]
			if task.Status == models.TaskStatusActive {
				task.Status = models.TaskStatusAbandoned
				task.WorkerID = ""
				task.Lease = task.Lease.Release()
				task.StopRequested = false
				abandoned++
			}
			if open && task.Status != models.TaskStatusCompleted {
				task.Result = models.ResultCounters{}
			}
			if task.Status == models.TaskStatusCompleted {
				completed = append(completed, task.Result)
			}
			tasks = append(tasks, &task)
		}

		if open {
			test.Counters = aggregator.Sum(completed...)
			if res, err := sprt.Evaluate(test.SPRT, test.Counters.Outcomes()); err == nil {
				test.LLR = res.LLR
				test.Verdict = res.Verdict
			}
		}

		t := test
		if err := s.store.AddTest(&t, tasks); err != nil {
			return 0, fmt.Errorf("failed to restore test %s: %w", test.ID, err)
		}
		s.agg.Reset(test.ID, test.Counters)
		if open {
			_ = s.store.WithTest(test.ID, func(e *store.TestEntry) error {
				_, _ = s.recheckLocked(e)
				return nil
			})
		}
		s.markDirty(test.ID)
	}

	s.logger.Info("Recovered tests", logging.Fields{"tests": len(snaps), "abandoned_tasks": abandoned})
	return len(snaps), nil
}
