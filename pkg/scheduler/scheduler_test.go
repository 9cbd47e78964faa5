package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/sprt"
	"github.com/chuckstables/fishtest/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(clock *fakeClock, gamesPerSlot, maxTaskGames int, opts ...Option) *Scheduler {
	cfg := Config{
		LeaseTimeout: 10 * time.Minute,
		GamesPerSlot: gamesPerSlot,
		MaxTaskGames: maxTaskGames,
	}
	return New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func testRequest(games int) models.TestRequest {
	return models.TestRequest{
		Baseline:  models.EngineRef{Ref: "master"},
		Candidate: models.EngineRef{Ref: "patch"},
		Params:    models.GameParams{TimeControl: "10+0.1", Threads: 1},
		SPRT:      sprt.DefaultParams(),
		NumGames:  games,
	}
}

var oneCore = models.Capability{Concurrency: 1}

func wld(w, l, d int) models.ResultCounters {
	return models.ResultCounters{Wins: w, Losses: l, Draws: d}
}

func mustCreate(t *testing.T, s *Scheduler, req models.TestRequest) *models.Test {
	t.Helper()
	test, err := s.CreateTest(context.Background(), req)
	require.NoError(t, err)
	return test
}

func mustRequest(t *testing.T, s *Scheduler, workerID string, capability models.Capability) *models.TaskAssignment {
	t.Helper()
	a, err := s.RequestTask(context.Background(), workerID, capability)
	require.NoError(t, err)
	return a
}

func mustGet(t *testing.T, s *Scheduler, id string) models.TestView {
	t.Helper()
	v, err := s.GetTest(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestRequestTaskWithoutTests(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	_, err := s.RequestTask(context.Background(), "w1", oneCore)
	assert.ErrorIs(t, err, ErrNoWorkAvailable)
}

func TestRequestTaskIssuesTaskAndActivatesTest(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 100, 200)
	test := mustCreate(t, s, testRequest(1000))
	assert.Equal(t, models.TestStatusPending, test.Status)

	a := mustRequest(t, s, "w1", oneCore)
	assert.Equal(t, test.ID, a.Task.TestID)
	assert.Equal(t, 100, a.Task.NumGames)
	assert.Equal(t, 1, a.Task.Concurrency)
	assert.Equal(t, 1, a.Task.Attempts)
	assert.Equal(t, models.TaskStatusActive, a.Task.Status)
	assert.Equal(t, "w1", a.Task.Lease.Holder)
	assert.Equal(t, clock.Now().Add(10*time.Minute), a.Task.Lease.Expiry)
	assert.Equal(t, "10+0.1", a.Params.TimeControl)
	assert.Equal(t, 600.0, a.LeaseTTL)

	view := mustGet(t, s, test.ID)
	assert.Equal(t, models.TestStatusActive, view.Status)
	require.NotNil(t, view.StartedAt)
	assert.Equal(t, 1, view.Tasks.Active)

	workers := s.ListWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, []string{a.Task.ID}, workers[0].HeldTasks)
}

func TestTaskGames(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		slots  int
		expect int
	}{
		{"one slot", Config{GamesPerSlot: 100, MaxTaskGames: 1000}, 1, 100},
		{"rounded to pairs", Config{GamesPerSlot: 25, MaxTaskGames: 1000}, 1, 26},
		{"capped", Config{GamesPerSlot: 100, MaxTaskGames: 200}, 8, 200},
		{"odd cap rounds down", Config{GamesPerSlot: 100, MaxTaskGames: 151}, 4, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.cfg.taskGames(tt.slots))
		})
	}
}

func TestGrantedSlots(t *testing.T) {
	tests := []struct {
		concurrency, threads, expect int
	}{
		{1, 1, 1},
		{8, 1, 8},
		{5, 2, 2},
		{1, 2, 0},
		{0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.concurrency, tt.threads), func(t *testing.T) {
			got := grantedSlots(models.Capability{Concurrency: tt.concurrency}, models.GameParams{Threads: tt.threads})
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestWorkerTooSmallGetsNoWork(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	req := testRequest(1000)
	req.Params.Threads = 4
	mustCreate(t, s, req)

	_, err := s.RequestTask(context.Background(), "w1", models.Capability{Concurrency: 2})
	assert.ErrorIs(t, err, ErrNoWorkAvailable)

	a := mustRequest(t, s, "w2", models.Capability{Concurrency: 9})
	assert.Equal(t, 2, a.Task.Concurrency)
	assert.Equal(t, 200, a.Task.NumGames)
}

func TestRemainderShrinksLastTask(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	mustCreate(t, s, testRequest(250))

	var sizes []int
	for i := 0; i < 3; i++ {
		sizes = append(sizes, mustRequest(t, s, fmt.Sprintf("w%d", i), oneCore).Task.NumGames)
	}
	assert.Equal(t, []int{100, 100, 50}, sizes)

	_, err := s.RequestTask(context.Background(), "w9", oneCore)
	assert.ErrorIs(t, err, ErrNoWorkAvailable)
}

func TestPriorityThenFIFO(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 100)
	low := mustCreate(t, s, testRequest(100))
	reqHigh := testRequest(100)
	reqHigh.Priority = 5
	highOld := mustCreate(t, s, reqHigh)
	highNew := mustCreate(t, s, reqHigh)

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, mustRequest(t, s, fmt.Sprintf("w%d", i), oneCore).Task.TestID)
	}
	assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, order)
}

func TestSetPriorityReorders(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 100)
	first := mustCreate(t, s, testRequest(100))
	second := mustCreate(t, s, testRequest(100))

	require.NoError(t, s.SetPriority(context.Background(), second.ID, 10))
	assert.Equal(t, second.ID, mustRequest(t, s, "w1", oneCore).Task.TestID)
	assert.Equal(t, first.ID, mustRequest(t, s, "w2", oneCore).Task.TestID)

	assert.ErrorIs(t, s.SetPriority(context.Background(), "missing", 1), ErrTestNotFound)
}

func TestHeartbeatMergesCumulativeDeltas(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	test := mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	status, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(2, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, status)

	status, err = s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(3, 2, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, status)

	view := mustGet(t, s, test.ID)
	assert.Equal(t, wld(3, 2, 5), view.Counters)
	assert.NotZero(t, view.LLR)
	assert.Equal(t, 10, view.Estimate.NumGames)
}

func TestHeartbeatRejectsMalformed(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	test := mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	_, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(5, 5, 5))
	require.NoError(t, err)

	tests := []struct {
		name    string
		partial models.ResultCounters
	}{
		{"negative", wld(-1, 5, 5)},
		{"too many games", wld(50, 50, 50)},
		{"decreasing", wld(4, 5, 5)},
		{"pairs exceed games", models.ResultCounters{Wins: 6, Losses: 5, Draws: 5, Pentanomial: [5]int{0, 0, 9, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, tt.partial)
			assert.ErrorIs(t, err, ErrMalformedResult)
		})
	}

	tasks, err := s.ListTasks(context.Background(), test.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Flagged)
	assert.Equal(t, models.TaskStatusActive, tasks[0].Status)
	assert.Equal(t, wld(5, 5, 5), mustGet(t, s, test.ID).Counters)
}

func TestHeartbeatUnknownTask(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	_, err := s.Heartbeat(context.Background(), "w1", "never-issued", wld(1, 0, 0))
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = s.Heartbeat(context.Background(), "intruder", a.Task.ID, wld(1, 0, 0))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestHeartbeatRenewsLease(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 100, 200)
	mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	clock.Advance(9 * time.Minute)
	_, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(1, 0, 1))
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	assert.Equal(t, 0, s.ReclaimStaleTasks(context.Background()))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.ReclaimStaleTasks(context.Background()))
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	test := mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	_, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(10, 10, 10))
	require.NoError(t, err)

	final := wld(30, 25, 45)
	require.NoError(t, s.CompleteTask(context.Background(), "w1", a.Task.ID, final))
	require.NoError(t, s.CompleteTask(context.Background(), "w1", a.Task.ID, final))
	require.NoError(t, s.CompleteTask(context.Background(), "w2", a.Task.ID, wld(50, 0, 50)))

	view := mustGet(t, s, test.ID)
	assert.Equal(t, final, view.Counters)
	assert.Equal(t, 1, view.Tasks.Completed)

	w, err := s.workers.Get("w1")
	require.NoError(t, err)
	assert.Empty(t, w.HeldTasks)

	status, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, final)
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.Empty(t, status)
}

func TestCompleteTaskUnknownAndMalformed(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	assert.ErrorIs(t, s.CompleteTask(context.Background(), "w1", "never-issued", wld(1, 1, 1)), ErrUnknownTask)
	assert.ErrorIs(t, s.CompleteTask(context.Background(), "w1", a.Task.ID, wld(100, 100, 100)), ErrMalformedResult)

	tasks, err := s.ListTasks(context.Background(), a.Task.TestID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusActive, tasks[0].Status)
	assert.True(t, tasks[0].Flagged)
}

// Worker A stalls mid-task, its lease expires and worker B takes over the
// same task. A's late messages must not be counted.
func TestReclaimNeverDoubleCounts(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 100, 200)
	test := mustCreate(t, s, testRequest(100))

	a := mustRequest(t, s, "A", oneCore)
	_, err := s.Heartbeat(context.Background(), "A", a.Task.ID, wld(4, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, 10, mustGet(t, s, test.ID).Counters.Games())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, s.ReclaimStaleTasks(context.Background()))
	assert.Equal(t, 0, s.ReclaimStaleTasks(context.Background()), "reclaim is applied once")

	view := mustGet(t, s, test.ID)
	assert.True(t, view.Counters.IsZero())
	assert.Equal(t, 1, view.Tasks.Abandoned)

	b := mustRequest(t, s, "B", oneCore)
	assert.Equal(t, a.Task.ID, b.Task.ID, "abandoned task is reused")
	assert.Equal(t, 2, b.Task.Attempts)
	assert.True(t, b.Task.Result.IsZero())

	_, err = s.Heartbeat(context.Background(), "A", a.Task.ID, wld(8, 6, 6))
	assert.ErrorIs(t, err, ErrUnknownTask)
	require.NoError(t, s.CompleteTask(context.Background(), "A", a.Task.ID, wld(40, 30, 30)))
	assert.True(t, mustGet(t, s, test.ID).Counters.IsZero())

	final := wld(40, 30, 30)
	require.NoError(t, s.CompleteTask(context.Background(), "B", b.Task.ID, final))

	view = mustGet(t, s, test.ID)
	assert.Equal(t, final, view.Counters)
	assert.Equal(t, models.TestStatusFinished, view.Status)
}

func TestReclaimSparesHeartbeatingSibling(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 100, 100)
	test := mustCreate(t, s, testRequest(1000))
	ctx := context.Background()

	a := mustRequest(t, s, "A", oneCore)
	b := mustRequest(t, s, "B", oneCore)
	require.NotEqual(t, a.Task.ID, b.Task.ID)

	_, err := s.Heartbeat(ctx, "A", a.Task.ID, wld(3, 3, 4))
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)
	_, err = s.Heartbeat(ctx, "B", b.Task.ID, wld(5, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, 30, mustGet(t, s, test.ID).Counters.Games())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, s.ReclaimStaleTasks(ctx), "only the silent task is reclaimed")
	assert.Equal(t, wld(5, 5, 10), mustGet(t, s, test.ID).Counters)

	c := mustRequest(t, s, "C", oneCore)
	assert.Equal(t, a.Task.ID, c.Task.ID)

	status, err := s.Heartbeat(ctx, "B", b.Task.ID, wld(20, 20, 30))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, status)
	require.NoError(t, s.CompleteTask(ctx, "B", b.Task.ID, wld(30, 30, 40)))

	view := mustGet(t, s, test.ID)
	assert.Equal(t, wld(30, 30, 40), view.Counters)
	assert.Equal(t, 1, view.Tasks.Completed)
	assert.Equal(t, 1, view.Tasks.Active)
	assert.Equal(t, 0, view.Tasks.Abandoned)

	_, err = s.Heartbeat(ctx, "A", a.Task.ID, wld(6, 6, 8))
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = s.Heartbeat(ctx, "C", c.Task.ID, wld(1, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 102, mustGet(t, s, test.ID).Counters.Games())
}

func TestAbortTaskStopsTest(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 100)
	test := mustCreate(t, s, testRequest(1000))
	ctx := context.Background()

	a := mustRequest(t, s, "A", oneCore)
	b := mustRequest(t, s, "B", oneCore)
	_, err := s.Heartbeat(ctx, "B", b.Task.ID, wld(2, 2, 2))
	require.NoError(t, err)

	assert.ErrorIs(t, s.AbortTask(ctx, "B", a.Task.ID, "bench mismatch"), ErrUnknownTask)
	assert.ErrorIs(t, s.AbortTask(ctx, "A", "missing", "bench mismatch"), ErrUnknownTask)
	require.NoError(t, s.AbortTask(ctx, "A", a.Task.ID, "bench mismatch"))

	view := mustGet(t, s, test.ID)
	assert.Equal(t, models.TestStatusStopped, view.Status)
	assert.Equal(t, wld(2, 2, 2), view.Counters)
	assert.Equal(t, 1, view.Tasks.Abandoned)
	assert.Equal(t, 1, view.Tasks.Flagged)
	assert.Contains(t, view.StateTransitions[len(view.StateTransitions)-1].Reason, "worker A: bench mismatch")

	status, err := s.Heartbeat(ctx, "B", b.Task.ID, wld(3, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStop, status)

	require.NoError(t, s.AbortTask(ctx, "B", b.Task.ID, "bench mismatch"), "aborting in a closed test only releases the task")
	assert.Equal(t, models.TestStatusStopped, mustGet(t, s, test.ID).Status)
	assert.ErrorIs(t, s.AbortTask(ctx, "A", a.Task.ID, "again"), ErrUnknownTask)
	for _, w := range s.ListWorkers() {
		assert.Empty(t, w.HeldTasks, w.ID)
	}
}

func TestReclaimShrinksReusedTaskToCapacity(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock, 100, 400)
	test := mustCreate(t, s, testRequest(400))

	big := mustRequest(t, s, "big", models.Capability{Concurrency: 4})
	assert.Equal(t, 400, big.Task.NumGames)

	clock.Advance(11 * time.Minute)
	require.Equal(t, 1, s.ReclaimStaleTasks(context.Background()))

	small := mustRequest(t, s, "small", oneCore)
	assert.Equal(t, big.Task.ID, small.Task.ID)
	assert.Equal(t, 100, small.Task.NumGames)

	next := mustRequest(t, s, "other", oneCore)
	assert.NotEqual(t, small.Task.ID, next.Task.ID)
	assert.Equal(t, test.ID, next.Task.TestID)
	assert.Equal(t, 100, next.Task.NumGames)
}

func TestDecisiveVerdictStopsTest(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 10000, 10000)
	test := mustCreate(t, s, testRequest(100000))

	a := mustRequest(t, s, "w1", oneCore)
	b := mustRequest(t, s, "w2", oneCore)

	status, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(1376, 1216, 3808))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStop, status)

	view := mustGet(t, s, test.ID)
	assert.Equal(t, models.TestStatusPassed, view.Status)
	assert.Equal(t, sprt.Accept, view.Verdict)
	assert.GreaterOrEqual(t, view.LLR, view.Bounds.Upper)
	require.NotNil(t, view.FinishedAt)

	status, err = s.Heartbeat(context.Background(), "w2", b.Task.ID, wld(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStop, status)

	_, err = s.RequestTask(context.Background(), "w3", oneCore)
	assert.ErrorIs(t, err, ErrNoWorkAvailable)

	require.NoError(t, s.CompleteTask(context.Background(), "w2", b.Task.ID, wld(5, 0, 5)))
	assert.Equal(t, view.Counters, mustGet(t, s, test.ID).Counters, "closed test counters do not change")
}

func TestRejectVerdictFailsTest(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 10000, 10000)
	test := mustCreate(t, s, testRequest(100000))
	a := mustRequest(t, s, "w1", oneCore)

	status, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(836, 946, 2618))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStop, status)
	assert.Equal(t, models.TestStatusFailed, mustGet(t, s, test.ID).Status)
}

func TestBudgetExhaustedWithoutVerdictFinishes(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 100)
	test := mustCreate(t, s, testRequest(200))

	a := mustRequest(t, s, "w1", oneCore)
	b := mustRequest(t, s, "w2", oneCore)

	require.NoError(t, s.CompleteTask(context.Background(), "w1", a.Task.ID, wld(30, 30, 40)))
	assert.Equal(t, models.TestStatusActive, mustGet(t, s, test.ID).Status, "waits for outstanding tasks")

	require.NoError(t, s.CompleteTask(context.Background(), "w2", b.Task.ID, wld(30, 30, 40)))
	view := mustGet(t, s, test.ID)
	assert.Equal(t, models.TestStatusFinished, view.Status)
	assert.Equal(t, sprt.Continue, view.Verdict)
	assert.Equal(t, 200, view.Counters.Games())

	_, err := s.RequestTask(context.Background(), "w3", oneCore)
	assert.ErrorIs(t, err, ErrNoWorkAvailable)
}

func TestStopAndDelete(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)
	test := mustCreate(t, s, testRequest(1000))
	a := mustRequest(t, s, "w1", oneCore)

	require.NoError(t, s.StopTest(context.Background(), test.ID, ""))
	assert.ErrorIs(t, s.StopTest(context.Background(), test.ID, ""), ErrInvalidTransition)

	status, err := s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStop, status)
	assert.True(t, mustGet(t, s, test.ID).Counters.IsZero(), "stopped test does not merge")

	require.NoError(t, s.DeleteTest(context.Background(), test.ID))
	assert.Equal(t, models.TestStatusDeleted, mustGet(t, s, test.ID).Status)
	_, err = s.Heartbeat(context.Background(), "w1", a.Task.ID, wld(1, 1, 1))
	assert.ErrorIs(t, err, ErrUnknownTask, "deleted tests drop their tasks")
	assert.NoError(t, s.CompleteTask(context.Background(), "w1", a.Task.ID, wld(1, 1, 1)))
	assert.Empty(t, s.ListTests(context.Background(), ""))
	assert.Len(t, s.ListTests(context.Background(), models.TestStatusDeleted), 1)

	assert.ErrorIs(t, s.DeleteTest(context.Background(), "missing"), ErrTestNotFound)
}

func TestCreateTestValidation(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 100, 200)

	req := testRequest(1000)
	req.SPRT.Elo1 = req.SPRT.Elo0
	_, err := s.CreateTest(context.Background(), req)
	assert.ErrorIs(t, err, sprt.ErrVerdictComputation)

	req = testRequest(1000)
	req.SPRT.Alpha = 0.6
	req.SPRT.Beta = 0.6
	_, err = s.CreateTest(context.Background(), req)
	assert.ErrorIs(t, err, sprt.ErrVerdictComputation)

	_, err = s.CreateTest(context.Background(), testRequest(0))
	assert.ErrorIs(t, err, ErrInvalidTest)

	_, err = s.CreateTest(context.Background(), testRequest(101))
	assert.ErrorIs(t, err, ErrInvalidTest, "odd budgets leave an unplayable last game")

	req = testRequest(1000)
	req.Params.Threads = 0
	_, err = s.CreateTest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidTest)
}

// A candidate about 8.7 Elo stronger must pass long before the budget is
// played, and no task may be issued after the verdict.
func TestEndToEndPassesBeforeBudget(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 200, 200)
	req := testRequest(100000)
	req.SPRT = sprt.Params{Elo0: 0, Elo1: 5, Alpha: 0.05, Beta: 0.05}
	test := mustCreate(t, s, req)

	ctx := context.Background()
	tasks := 0
	for i := 0; i < 1000; i++ {
		worker := fmt.Sprintf("w%d", i%7)
		a, err := s.RequestTask(ctx, worker, oneCore)
		if err != nil {
			require.ErrorIs(t, err, ErrNoWorkAvailable)
			break
		}
		tasks++

		status, err := s.Heartbeat(ctx, worker, a.Task.ID, wld(21, 19, 60))
		require.NoError(t, err)
		assert.Equal(t, models.StatusOK, status)
		require.NoError(t, s.CompleteTask(ctx, worker, a.Task.ID, wld(43, 38, 119)))
	}

	view := mustGet(t, s, test.ID)
	assert.Equal(t, models.TestStatusPassed, view.Status)
	assert.Equal(t, 32, tasks)
	assert.Equal(t, 6400, view.Counters.Games())
	assert.Less(t, view.Counters.Games(), req.NumGames)
	assert.InDelta(t, 8.69, view.Estimate.Elo, 0.01)

	_, err := s.RequestTask(ctx, "late", oneCore)
	assert.ErrorIs(t, err, ErrNoWorkAvailable)
}

func TestConcurrentWorkersCountEveryGameOnce(t *testing.T) {
	s := newTestScheduler(newFakeClock(), 10, 10)
	req := testRequest(4000)
	req.SPRT = sprt.Params{Elo0: -500, Elo1: 500, Alpha: 0.001, Beta: 0.001}
	test := mustCreate(t, s, req)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			ctx := context.Background()
			for {
				a, err := s.RequestTask(ctx, worker, oneCore)
				if err != nil {
					return
				}
				_, _ = s.Heartbeat(ctx, worker, a.Task.ID, wld(1, 1, 2))
				_ = s.CompleteTask(ctx, worker, a.Task.ID, wld(3, 3, 4))
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	view := mustGet(t, s, test.ID)
	assert.Equal(t, models.TestStatusFinished, view.Status)
	assert.Equal(t, wld(1200, 1200, 1600), view.Counters)
	assert.Equal(t, 400, view.Tasks.Completed)
}

func TestRecoverAbandonsActiveTasks(t *testing.T) {
	clock := newFakeClock()
	p := store.NewMemoryPersister()
	s := newTestScheduler(clock, 100, 100, WithPersister(p))
	test := mustCreate(t, s, testRequest(1000))

	a := mustRequest(t, s, "w1", oneCore)
	b := mustRequest(t, s, "w2", oneCore)
	require.NoError(t, s.CompleteTask(context.Background(), "w1", a.Task.ID, wld(40, 30, 30)))
	_, err := s.Heartbeat(context.Background(), "w2", b.Task.ID, wld(5, 5, 5))
	require.NoError(t, err)
	mustCreate(t, s, testRequest(200))
	require.NoError(t, s.Flush(context.Background()))

	restarted := newTestScheduler(clock, 100, 100, WithPersister(p))
	n, err := restarted.Recover(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "Recover counts loaded tests, not abandoned tasks")

	view := mustGet(t, restarted, test.ID)
	assert.Equal(t, wld(40, 30, 30), view.Counters)
	assert.Equal(t, models.TestStatusActive, view.Status)
	assert.Equal(t, 1, view.Tasks.Abandoned)
	assert.Equal(t, 1, view.Tasks.Completed)

	_, err = restarted.Heartbeat(context.Background(), "w2", b.Task.ID, wld(6, 5, 5))
	assert.ErrorIs(t, err, ErrUnknownTask)

	c := mustRequest(t, restarted, "w3", oneCore)
	assert.Equal(t, b.Task.ID, c.Task.ID)

	next, err := restarted.CreateTest(context.Background(), testRequest(100))
	require.NoError(t, err)
	assert.Greater(t, next.SequenceNumber, test.SequenceNumber)
}

func TestPurgeTerminal(t *testing.T) {
	clock := newFakeClock()
	p := store.NewMemoryPersister()
	s := newTestScheduler(clock, 100, 100, WithPersister(p))
	old := mustCreate(t, s, testRequest(100))
	keep := mustCreate(t, s, testRequest(100))

	require.NoError(t, s.StopTest(context.Background(), old.ID, "obsolete"))
	require.NoError(t, s.Flush(context.Background()))

	clock.Advance(48 * time.Hour)
	n, err := s.PurgeTerminal(context.Background(), clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetTest(context.Background(), old.ID)
	assert.ErrorIs(t, err, ErrTestNotFound)
	_, err = s.GetTest(context.Background(), keep.ID)
	assert.NoError(t, err)

	snaps, err := p.LoadTests(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, keep.ID, snaps[0].Test.ID)
}

func TestStatsAndWorkerHealth(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{
		LeaseTimeout:      10 * time.Minute,
		GamesPerSlot:      100,
		MaxTaskGames:      100,
		WorkerStaleAfter:  5 * time.Minute,
		WorkerForgetAfter: time.Hour,
	}, WithClock(clock.Now))

	mustCreate(t, s, testRequest(1000))
	mustCreate(t, s, testRequest(1000))
	mustRequest(t, s, "w1", oneCore)
	s.TouchWorker("w2", "idle-box", &oneCore)

	clock.Advance(6 * time.Minute)
	s.TouchWorker("w3", "", nil)
	assert.Equal(t, 2, s.RefreshWorkerHealth())

	st := s.Stats()
	assert.Equal(t, 1, st.TestsByStatus["active"])
	assert.Equal(t, 1, st.TestsByStatus["pending"])
	assert.Equal(t, 1, st.ActiveTasks)
	assert.Equal(t, 2, st.WorkersByHealth["stale"])
	assert.Equal(t, 1, st.WorkersByHealth["healthy"])

	clock.Advance(2 * time.Hour)
	s.RefreshWorkerHealth()
	assert.Len(t, s.ListWorkers(), 1, "idle workers are forgotten, w1 still holds a task")
}

func TestStartStopReaper(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{LeaseTimeout: time.Minute, SweepInterval: 5 * time.Millisecond, GamesPerSlot: 10, MaxTaskGames: 10},
		WithClock(clock.Now), WithPersister(store.NewMemoryPersister()))
	test := mustCreate(t, s, testRequest(100))
	mustRequest(t, s, "w1", oneCore)

	s.Start(context.Background())
	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool {
		v, err := s.GetTest(context.Background(), test.ID)
		return err == nil && v.Tasks.Abandoned == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}
