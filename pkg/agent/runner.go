package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
)

var ErrRunnerTimeout = errors.New("match runner exceeded its time limit")

// MatchSpec describes one invocation of the match runner.
type MatchSpec struct {
	TaskID        string
	Games         int // even
	Concurrency   int
	Threads       int
	TimeControl   TimeControl
	GameLimit     time.Duration
	CandidateName string
	CandidateCmd  string
	CandidateOpts string
	BaselineName  string
	BaselineCmd   string
	BaselineOpts  string
	Book          string
	BookDepth     int
	PGNOut        string
}

// PairFunc is called with the cumulative result of the running match after
// every finished game pair. Returning false stops the match.
type PairFunc func(models.ResultCounters) bool

// MatchRunner plays the games of a match.
type MatchRunner interface {
	Run(ctx context.Context, spec MatchSpec, onPair PairFunc) (models.ResultCounters, error)
}

// ParseEngineOptions converts "Hash=16 Threads=1" into runner arguments
// "option.Hash=16 option.Threads=1". Option names may contain spaces.
func ParseEngineOptions(s string) []string {
	chunks := strings.Split(s, "=")
	if len(chunks) < 2 {
		return nil
	}
	var out []string
	param := strings.TrimSpace(chunks[0])
	for _, c := range chunks[1:] {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			break
		}
		out = append(out, fmt.Sprintf("option.%s=%s", param, fields[0]))
		param = strings.Join(fields[1:], " ")
	}
	return out
}

// Args builds the runner command line.
func (s MatchSpec) Args() []string {
	args := []string{
		"-repeat",
		"-rounds", strconv.Itoa(s.Games / 2),
		"-games", "2",
		"-tournament", "gauntlet",
		"-resign", "movecount=3", "score=400",
		"-draw", "movenumber=34", "movecount=8", "score=20",
		"-concurrency", strconv.Itoa(s.Concurrency),
		"-event", "Task " + s.TaskID,
	}
	if s.PGNOut != "" {
		args = append(args, "-pgnout", s.PGNOut)
	}

	var bookArgs []string
	if s.BookDepth > 0 && s.Book != "" {
		if strings.HasSuffix(s.Book, ".pgn") || strings.HasSuffix(s.Book, ".epd") {
			args = append(args, "-openings", "file="+s.Book, "format="+s.Book[len(s.Book)-3:],
				"order=random", "plies="+strconv.Itoa(2*s.BookDepth))
		} else {
			bookArgs = []string{"book=" + s.Book, "bookdepth=" + strconv.Itoa(s.BookDepth)}
		}
	}

	newOpts := ParseEngineOptions(s.CandidateOpts)
	baseOpts := ParseEngineOptions(s.BaselineOpts)
	args = append(args, "-engine", "name="+CandidatePrefix+s.CandidateName, "cmd="+s.CandidateCmd)
	args = append(args, newOpts...)
	args = append(args, "-engine", "name="+BaselinePrefix+s.BaselineName, "cmd="+s.BaselineCmd)
	args = append(args, baseOpts...)

	args = append(args, "-each", "proto=uci", "tc="+s.TimeControl.String())
	all := strings.Join(append(newOpts, baseOpts...), " ")
	if strings.Contains(all, "nodestime") {
		args = append(args, "timemargin=10000")
	}
	if !strings.Contains(all, "Threads") && s.Threads > 0 {
		args = append(args, "option.Threads="+strconv.Itoa(s.Threads))
	}
	return append(args, bookArgs...)
}

// Timeout bounds the whole match: each concurrent slot plays its share of
// games within the per-game limit.
func (s MatchSpec) Timeout() time.Duration {
	if s.GameLimit <= 0 {
		return 0
	}
	slots := s.Concurrency
	if slots < 1 {
		slots = 1
	}
	if slots > s.Games {
		slots = s.Games
	}
	if slots < 1 {
		return s.GameLimit
	}
	return s.GameLimit * time.Duration(s.Games) / time.Duration(slots)
}

// ExecRunner runs a cutechess-compatible binary.
type ExecRunner struct {
	Path   string
	Dir    string
	Logger *logging.Logger
}

// Run starts the runner, follows its output and kills it when onPair asks
// to stop, ctx ends or the time limit passes.
func (r *ExecRunner) Run(ctx context.Context, spec MatchSpec, onPair PairFunc) (models.ResultCounters, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if timeout := spec.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(runCtx, r.Path, spec.Args()...)
	cmd.Dir = r.Dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.ResultCounters{}, fmt.Errorf("failed to attach runner output: %w", err)
	}
	cmd.Stderr = os.Stderr

	logger.Info("Starting match runner", logging.Fields{
		"task_id": spec.TaskID,
		"games":   spec.Games,
		"tc":      spec.TimeControl.String(),
		"timeout": spec.Timeout().String(),
	})
	if err := cmd.Start(); err != nil {
		return models.ResultCounters{}, fmt.Errorf("failed to start runner: %w", err)
	}

	// Unblock the reader if the runner's children keep the pipe open.
	go func() {
		<-runCtx.Done()
		_ = stdout.Close()
	}()

	res, followErr := follow(stdout, NewMatchParser(), logger, func(r models.ResultCounters) bool {
		if onPair(r) {
			return true
		}
		stop()
		return false
	})
	waitErr := cmd.Wait()

	switch {
	case followErr != nil && runCtx.Err() == nil:
		return res, followErr
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, ErrRunnerTimeout
	case ctx.Err() != nil:
		return res, ctx.Err()
	case runCtx.Err() != nil:
		// Stopped on request.
		return res, nil
	case waitErr != nil:
		return res, fmt.Errorf("runner exited: %w", waitErr)
	}
	return res, nil
}

// follow feeds output lines to the parser until the match ends, the output
// closes or onPair returns false.
func follow(out io.Reader, parser *MatchParser, logger *logging.Logger, onPair PairFunc) (models.ResultCounters, error) {
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug(line)

		ev, err := parser.Feed(line)
		if err != nil {
			logger.Warn("Unexpected runner output", logging.Fields{"line": line, "error": err})
			continue
		}
		switch ev {
		case EventPair:
			if !onPair(parser.Result()) {
				return parser.Result(), nil
			}
		case EventMatchEnd:
			// Drain so the runner is not blocked on a full pipe.
			_, _ = io.Copy(io.Discard, out)
			return parser.Result(), nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return parser.Result(), fmt.Errorf("failed to read runner output: %w", err)
	}
	return parser.Result(), nil
}
