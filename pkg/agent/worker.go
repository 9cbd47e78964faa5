package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
)

var (
	ErrTaskAbandoned     = errors.New("task abandoned")
	ErrNoGames           = errors.New("task has no games left to play")
	ErrSignatureMismatch = errors.New("bench signature mismatch")
)

// WorkerConfig configures the worker loop.
type WorkerConfig struct {
	Name       string
	Capability models.Capability
	EnginePath string // fallback engine binary
	WorkDir    string // engines/<ref> are used when present; PGNs go to pgn/
	PollMin    time.Duration
	PollMax    time.Duration
	// BenchTasks benches both engines before every task and scales the time
	// control by the measured baseline speed instead of Capability.NPS.
	BenchTasks bool
}

// Worker claims tasks and plays them until its context ends.
type Worker struct {
	config WorkerConfig
	client TaskClient
	runner MatchRunner
	logger *logging.Logger
	id     string
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker for session id.
func NewWorker(id string, config WorkerConfig, client TaskClient, runner MatchRunner, logger *logging.Logger) *Worker {
	if config.PollMin <= 0 {
		config.PollMin = 5 * time.Second
	}
	if config.PollMax < config.PollMin {
		config.PollMax = config.PollMin
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Worker{
		config: config,
		client: client,
		runner: runner,
		logger: logger.WithField("worker_id", id),
		id:     id,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls for work until ctx is done. Idle polls back off between PollMin
// and PollMax, never sooner than the coordinator's retry hint.
func (w *Worker) Run(ctx context.Context) error {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = w.config.PollMin
	poll.MaxInterval = w.config.PollMax
	poll.Reset()

	for {
		worked, hint, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if worked {
			poll.Reset()
			continue
		}
		if err != nil {
			w.logger.Warn("Task request failed", logging.Fields{"error": err})
		}

		wait := poll.NextBackOff()
		if wait < hint {
			wait = hint
		}
		if wait > w.config.PollMax && hint <= w.config.PollMax {
			wait = w.config.PollMax
		}
		w.logger.Debug("No work, waiting", logging.Fields{"wait": wait.String()})
		if err := w.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// RunOnce requests one task and plays it. It reports whether a task was
// received and, if not, the coordinator's retry hint.
func (w *Worker) RunOnce(ctx context.Context) (bool, time.Duration, error) {
	resp, err := w.client.RequestTask(ctx, models.TaskRequest{
		WorkerID:   w.id,
		WorkerName: w.config.Name,
		Capability: w.config.Capability,
	})
	if err != nil {
		return false, 0, err
	}
	if resp.Status != models.StatusOK || resp.Assignment == nil {
		return false, time.Duration(resp.RetryAfter) * time.Second, nil
	}

	if _, err := w.RunTask(ctx, resp.Assignment); err != nil && !errors.Is(err, ErrTaskAbandoned) {
		w.logger.Error("Task failed", logging.Fields{"task_id": resp.Assignment.Task.ID, "error": err})
	}
	return true, 0, nil
}

// RunTask plays an assigned task, streaming a cumulative update after every
// game pair, and reports the final result. If the runner exits early the
// remaining games are played by a new runner. When the coordinator answers
// stop the games played so far are completed; unknown_task or malformed
// answers abandon the task without completing it. An engine whose bench
// signature differs from the test's aborts the task and stops the test.
func (w *Worker) RunTask(ctx context.Context, a *models.TaskAssignment) (models.ResultCounters, error) {
	task := a.Task
	logger := w.logger.WithFields(logging.Fields{"test_id": task.TestID, "task_id": task.ID})

	nps, err := w.verifyEngines(ctx, a)
	if errors.Is(err, ErrSignatureMismatch) {
		logger.Error("Engine check failed, aborting task", logging.Fields{"error": err})
		return models.ResultCounters{}, w.abort(ctx, task.ID, err)
	}
	if err != nil {
		logger.Warn("Engine bench failed", logging.Fields{"error": err})
		return models.ResultCounters{}, fmt.Errorf("%w: %w", ErrTaskAbandoned, err)
	}
	tc, limit, err := ScaleTimeControl(a.Params.TimeControl, nps)
	if err != nil {
		return models.ResultCounters{}, err
	}

	played := task.Result
	var abandon error
	stopped := false

	for !stopped && abandon == nil {
		remaining := task.NumGames - played.Games()
		games := remaining - remaining%2
		if games < 2 {
			break
		}

		spec := w.matchSpec(a, games, tc, limit)
		base := played
		res, runErr := w.runner.Run(ctx, spec, func(r models.ResultCounters) bool {
			total := base.Add(r)
			resp, err := w.client.UpdateTask(ctx, models.TaskUpdate{
				WorkerID:      w.id,
				TaskID:        task.ID,
				PartialResult: total,
			})
			switch {
			case err != nil:
				abandon = fmt.Errorf("%w: update failed: %v", ErrTaskAbandoned, err)
				return false
			case resp.Status == models.StatusOK:
				return true
			case resp.Status == models.StatusStop:
				stopped = true
				return false
			default:
				abandon = fmt.Errorf("%w: coordinator answered %s %s", ErrTaskAbandoned, resp.Status, resp.Error)
				return false
			}
		})

		total := base.Add(res)
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if runErr != nil {
			logger.Warn("Match runner failed", logging.Fields{"error": runErr, "games": total.Games()})
		}
		if total.Games() == played.Games() && !stopped && abandon == nil {
			if runErr == nil {
				runErr = ErrNoGames
			}
			abandon = fmt.Errorf("%w: runner made no progress: %v", ErrTaskAbandoned, runErr)
		}
		played = total
	}

	if abandon != nil {
		logger.Warn("Abandoning task", logging.Fields{"error": abandon, "games": played.Games()})
		return played, abandon
	}

	resp, err := w.client.CompleteTask(ctx, models.TaskCompletion{
		WorkerID:    w.id,
		TaskID:      task.ID,
		FinalResult: played,
	})
	if err != nil {
		return played, fmt.Errorf("failed to complete task: %w", err)
	}
	if resp.Status != models.StatusOK {
		return played, fmt.Errorf("%w: completion answered %s %s", ErrTaskAbandoned, resp.Status, resp.Error)
	}

	logger.Info("Task finished", logging.Fields{
		"games":   played.Games(),
		"wins":    played.Wins,
		"losses":  played.Losses,
		"draws":   played.Draws,
		"stopped": stopped,
	})
	return played, nil
}

// verifyEngines benches both engines of a task side by side, checks their
// node counts against the test's signatures and returns the speed used to
// scale the time control.
func (w *Worker) verifyEngines(ctx context.Context, a *models.TaskAssignment) (float64, error) {
	nps := float64(w.config.Capability.NPS)
	if nps <= 0 {
		nps = ReferenceNPS
	}
	if !w.config.BenchTasks && a.Baseline.Signature == 0 && a.Candidate.Signature == 0 {
		return nps, nil
	}

	engines := []models.EngineRef{a.Baseline, a.Candidate}
	results := make([]BenchResult, len(engines))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range engines {
		g.Go(func() error {
			res, err := Bench(gctx, w.engineCmd(ref))
			if err != nil {
				return fmt.Errorf("bench of %s: %w", shortName(ref), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i, ref := range engines {
		if ref.Signature != 0 && results[i].Nodes != ref.Signature {
			return 0, fmt.Errorf("%w: %s searched %d nodes, expected %d",
				ErrSignatureMismatch, shortName(ref), results[i].Nodes, ref.Signature)
		}
	}
	if w.config.BenchTasks {
		nps = results[0].NPS
	}
	return nps, nil
}

// abort gives the task back and asks the coordinator to stop its test.
func (w *Worker) abort(ctx context.Context, taskID string, cause error) error {
	resp, err := w.client.AbortTask(ctx, models.TaskAbort{
		WorkerID: w.id,
		TaskID:   taskID,
		Reason:   cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w (abort not delivered: %v)", ErrTaskAbandoned, cause, err)
	}
	if resp.Status != models.StatusOK {
		return fmt.Errorf("%w: %w (abort answered %s)", ErrTaskAbandoned, cause, resp.Status)
	}
	return fmt.Errorf("%w: %w", ErrTaskAbandoned, cause)
}

func (w *Worker) matchSpec(a *models.TaskAssignment, games int, tc TimeControl, limit time.Duration) MatchSpec {
	spec := MatchSpec{
		TaskID:        a.Task.ID,
		Games:         games,
		Concurrency:   a.Task.Concurrency,
		Threads:       a.Params.Threads,
		TimeControl:   tc,
		GameLimit:     limit,
		CandidateName: shortName(a.Candidate),
		CandidateCmd:  w.engineCmd(a.Candidate),
		CandidateOpts: a.Candidate.Options,
		BaselineName:  shortName(a.Baseline),
		BaselineCmd:   w.engineCmd(a.Baseline),
		BaselineOpts:  a.Baseline.Options,
		Book:          a.Params.Book,
		BookDepth:     a.Params.BookDepth,
	}
	if spec.Concurrency < 1 {
		spec.Concurrency = 1
	}
	if w.config.WorkDir != "" {
		dir := filepath.Join(w.config.WorkDir, "pgn")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			spec.PGNOut = filepath.Join(dir, a.Task.ID+".pgn")
		}
	}
	return spec
}

// engineCmd prefers a binary built for the ref under WorkDir/engines.
func (w *Worker) engineCmd(ref models.EngineRef) string {
	if w.config.WorkDir != "" && ref.Ref != "" {
		path := filepath.Join(w.config.WorkDir, "engines", ref.Ref)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return w.config.EnginePath
}

func shortName(ref models.EngineRef) string {
	name := ref.Tag
	if name == "" {
		name = ref.Ref
	}
	if len(name) > 7 {
		name = name[:7]
	}
	return name
}
