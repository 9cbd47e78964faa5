package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

var ErrBenchOutput = errors.New("bench output has no node counts")

// BenchResult is what an engine reports for its built-in bench.
type BenchResult struct {
	Nodes int64   // bench signature
	NPS   float64 // nodes per second
}

// Bench runs "<engine> bench" and reads the node count and speed it prints.
func Bench(ctx context.Context, enginePath string) (BenchResult, error) {
	cmd := exec.CommandContext(ctx, enginePath, "bench")
	// Engines print bench statistics on stderr.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return BenchResult{}, err
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		return BenchResult{}, fmt.Errorf("failed to start bench: %w", err)
	}

	res, parseErr := parseBench(stderr)
	if err := cmd.Wait(); err != nil {
		return BenchResult{}, fmt.Errorf("bench failed: %w", err)
	}
	return res, parseErr
}

func parseBench(r io.Reader) (BenchResult, error) {
	var res BenchResult
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Nodes searched":
			res.Nodes, _ = strconv.ParseInt(value, 10, 64)
		case "Nodes/second":
			res.NPS, _ = strconv.ParseFloat(value, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return res, err
	}
	if res.Nodes == 0 || res.NPS == 0 {
		return res, ErrBenchOutput
	}
	return res, nil
}
