package models

import (
	"errors"
	"fmt"

	"github.com/chuckstables/fishtest/pkg/sprt"
)

// ErrInvalidResult is returned when a result payload is not internally consistent.
var ErrInvalidResult = errors.New("invalid result")

// ResultCounters holds game outcome counts. Pentanomial counts game pairs by
// pair score: LL, LD, DD/WL, WD, WW.
type ResultCounters struct {
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Draws       int    `json:"draws"`
	Crashes     int    `json:"crashes"`
	TimeLosses  int    `json:"time_losses"`
	Pentanomial [5]int `json:"pentanomial"`
}

// Games returns wins + losses + draws.
func (r ResultCounters) Games() int {
	return r.Wins + r.Losses + r.Draws
}

// Pairs returns the number of game pairs in the pentanomial counts.
func (r ResultCounters) Pairs() int {
	n := 0
	for _, c := range r.Pentanomial {
		n += c
	}
	return n
}

// Outcomes projects the counters onto what the statistical test consumes.
func (r ResultCounters) Outcomes() sprt.Outcomes {
	return sprt.Outcomes{Wins: r.Wins, Losses: r.Losses, Draws: r.Draws}
}

// IsZero reports whether no games or events were counted.
func (r ResultCounters) IsZero() bool {
	return r == ResultCounters{}
}

// Add returns the field-wise sum.
func (r ResultCounters) Add(o ResultCounters) ResultCounters {
	out := ResultCounters{
		Wins:       r.Wins + o.Wins,
		Losses:     r.Losses + o.Losses,
		Draws:      r.Draws + o.Draws,
		Crashes:    r.Crashes + o.Crashes,
		TimeLosses: r.TimeLosses + o.TimeLosses,
	}
	for i := range out.Pentanomial {
		out.Pentanomial[i] = r.Pentanomial[i] + o.Pentanomial[i]
	}
	return out
}

// Sub returns the field-wise difference.
func (r ResultCounters) Sub(o ResultCounters) ResultCounters {
	return r.Add(o.Negate())
}

// Negate flips the sign of every field.
func (r ResultCounters) Negate() ResultCounters {
	out := ResultCounters{
		Wins:       -r.Wins,
		Losses:     -r.Losses,
		Draws:      -r.Draws,
		Crashes:    -r.Crashes,
		TimeLosses: -r.TimeLosses,
	}
	for i := range out.Pentanomial {
		out.Pentanomial[i] = -r.Pentanomial[i]
	}
	return out
}

// Covers reports whether every field is >= the matching field of prev.
// Cumulative task results must only grow.
func (r ResultCounters) Covers(prev ResultCounters) bool {
	if r.Wins < prev.Wins || r.Losses < prev.Losses || r.Draws < prev.Draws ||
		r.Crashes < prev.Crashes || r.TimeLosses < prev.TimeLosses {
		return false
	}
	for i := range r.Pentanomial {
		if r.Pentanomial[i] < prev.Pentanomial[i] {
			return false
		}
	}
	return true
}

// Validate checks the counters against the number of games of the task they
// were reported for.
func (r ResultCounters) Validate(maxGames int) error {
	if r.Wins < 0 || r.Losses < 0 || r.Draws < 0 || r.Crashes < 0 || r.TimeLosses < 0 {
		return fmt.Errorf("%w: negative counts", ErrInvalidResult)
	}
	for _, c := range r.Pentanomial {
		if c < 0 {
			return fmt.Errorf("%w: negative pentanomial count", ErrInvalidResult)
		}
	}
	games := r.Games()
	if games > maxGames {
		return fmt.Errorf("%w: %d games reported for a task of %d", ErrInvalidResult, games, maxGames)
	}
	if r.Crashes > games || r.TimeLosses > games {
		return fmt.Errorf("%w: more crashes or time losses than games", ErrInvalidResult)
	}
	if 2*r.Pairs() > games {
		return fmt.Errorf("%w: %d pentanomial pairs for %d games", ErrInvalidResult, r.Pairs(), games)
	}
	return nil
}
