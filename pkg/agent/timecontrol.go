package agent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ReferenceNPS is the engine speed time controls are specified for.
	ReferenceNPS = 1600000.0
	// MinNPS is the slowest machine that may run games.
	MinNPS = 700000.0
)

var (
	ErrMachineTooSlow     = errors.New("machine is too slow to run games")
	ErrInvalidTimeControl = errors.New("invalid time control")
)

// TimeControl is a parsed runner time control "[moves/]time[+increment]",
// where time is seconds or "min:sec".
type TimeControl struct {
	Moves     int
	Base      float64 // seconds
	Increment float64 // seconds
}

// ParseTimeControl parses e.g. "10+0.1", "40/60", "1:30+1".
func ParseTimeControl(s string) (TimeControl, error) {
	var tc TimeControl
	s = strings.TrimSpace(s)
	if s == "" {
		return tc, fmt.Errorf("%w: empty", ErrInvalidTimeControl)
	}

	clock, inc, hasInc := strings.Cut(s, "+")
	if hasInc {
		v, err := strconv.ParseFloat(inc, 64)
		if err != nil || v < 0 {
			return tc, fmt.Errorf("%w: increment %q", ErrInvalidTimeControl, inc)
		}
		tc.Increment = v
	}

	if moves, rest, ok := strings.Cut(clock, "/"); ok {
		n, err := strconv.Atoi(moves)
		if err != nil || n <= 0 {
			return tc, fmt.Errorf("%w: moves %q", ErrInvalidTimeControl, moves)
		}
		tc.Moves = n
		clock = rest
	}

	if mins, sec, ok := strings.Cut(clock, ":"); ok {
		m, err1 := strconv.ParseFloat(mins, 64)
		sc, err2 := strconv.ParseFloat(sec, 64)
		if err1 != nil || err2 != nil {
			return tc, fmt.Errorf("%w: time %q", ErrInvalidTimeControl, clock)
		}
		tc.Base = m*60 + sc
	} else {
		v, err := strconv.ParseFloat(clock, 64)
		if err != nil {
			return tc, fmt.Errorf("%w: time %q", ErrInvalidTimeControl, clock)
		}
		tc.Base = v
	}
	if tc.Base <= 0 && tc.Increment <= 0 {
		return tc, fmt.Errorf("%w: no time", ErrInvalidTimeControl)
	}
	return tc, nil
}

// String formats the time control the way the runner expects it.
func (tc TimeControl) String() string {
	s := strconv.FormatFloat(tc.Base, 'f', 3, 64)
	if tc.Increment > 0 {
		s += "+" + strconv.FormatFloat(tc.Increment, 'f', 3, 64)
	}
	if tc.Moves > 0 {
		s = strconv.Itoa(tc.Moves) + "/" + s
	}
	return s
}

// GameLimit is a generous wall-clock bound for one game at this time control.
func (tc TimeControl) GameLimit() time.Duration {
	limit := tc.Base * 3
	if tc.Increment > 0 {
		limit += tc.Increment * 200
	}
	if tc.Moves > 0 {
		limit *= 100.0 / float64(tc.Moves)
	}
	return time.Duration(limit * float64(time.Second))
}

// ScaleTimeControl adapts tc to a machine whose engine searches nps nodes per
// second, so every worker plays at the same effective strength. It returns
// the scaled control and its per-game wall-clock limit.
func ScaleTimeControl(tc string, nps float64) (TimeControl, time.Duration, error) {
	if nps < MinNPS {
		return TimeControl{}, 0, fmt.Errorf("%w: %.0f nps, need %.0f", ErrMachineTooSlow, nps, MinNPS)
	}
	parsed, err := ParseTimeControl(tc)
	if err != nil {
		return TimeControl{}, 0, err
	}
	factor := ReferenceNPS / nps
	scaled := TimeControl{
		Moves:     parsed.Moves,
		Base:      parsed.Base * factor,
		Increment: parsed.Increment * factor,
	}
	return scaled, scaled.GameLimit(), nil
}
