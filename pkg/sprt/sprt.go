// Package sprt implements the sequential probability ratio test used to decide
// whether a candidate engine is stronger than its baseline.
//
// The model is the trinomial SPRT in the BayesElo draw model: the draw elo is
// estimated from the observed win/loss proportions, each hypothesis elo is
// turned into (win, loss, draw) probabilities with that draw elo, and the log
// likelihood ratio of the observed counts is compared against the Wald bounds
// derived from alpha and beta.
//
// Every function in this package is pure.
package sprt

import (
	"errors"
	"fmt"
	"math"
)

// Verdict is the outcome of evaluating a test against its bounds.
type Verdict string

const (
	Continue Verdict = "continue"
	Accept   Verdict = "accept"
	Reject   Verdict = "reject"
)

// IsDecisive reports whether the verdict ends the test.
func (v Verdict) IsDecisive() bool {
	return v == Accept || v == Reject
}

// MinProbability is the floor applied to each observed outcome proportion
// before the draw elo is estimated. It keeps the model finite for all-draw,
// all-win and no-draw sequences.
const MinProbability = 1e-3

// ErrVerdictComputation is returned when the parameters cannot produce a verdict.
var ErrVerdictComputation = errors.New("sprt: verdict computation error")

// Params are the hypotheses and error rates of a test.
type Params struct {
	Elo0  float64 `json:"elo0" yaml:"elo0"`
	Elo1  float64 `json:"elo1" yaml:"elo1"`
	Alpha float64 `json:"alpha" yaml:"alpha"`
	Beta  float64 `json:"beta" yaml:"beta"`
}

// DefaultParams returns the parameters most regression tests run with.
func DefaultParams() Params {
	return Params{Elo0: 0, Elo1: 5, Alpha: 0.05, Beta: 0.05}
}

// Outcomes are the game counts the test is evaluated on.
type Outcomes struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// Games returns the number of games counted.
func (o Outcomes) Games() int {
	return o.Wins + o.Losses + o.Draws
}

// Result is a single evaluation of the test.
type Result struct {
	LLR     float64 `json:"llr"`
	Lower   float64 `json:"lower_bound"`
	Upper   float64 `json:"upper_bound"`
	Verdict Verdict `json:"verdict"`
}

// Validate checks that the parameters describe a test that can terminate.
func Validate(p Params) error {
	if math.IsNaN(p.Elo0) || math.IsNaN(p.Elo1) || math.IsInf(p.Elo0, 0) || math.IsInf(p.Elo1, 0) {
		return fmt.Errorf("%w: elo bounds must be finite", ErrVerdictComputation)
	}
	if p.Elo0 == p.Elo1 {
		return fmt.Errorf("%w: elo0 and elo1 must differ (both %g)", ErrVerdictComputation, p.Elo0)
	}
	if !(p.Alpha > 0 && p.Alpha < 1) {
		return fmt.Errorf("%w: alpha must be in (0, 1), got %g", ErrVerdictComputation, p.Alpha)
	}
	if !(p.Beta > 0 && p.Beta < 1) {
		return fmt.Errorf("%w: beta must be in (0, 1), got %g", ErrVerdictComputation, p.Beta)
	}
	if p.Alpha+p.Beta >= 1 {
		return fmt.Errorf("%w: alpha + beta must be below 1", ErrVerdictComputation)
	}
	return nil
}

// Bounds returns the lower and upper LLR thresholds.
func Bounds(p Params) (lower, upper float64) {
	lower = math.Log(p.Beta / (1 - p.Alpha))
	upper = math.Log((1 - p.Beta) / p.Alpha)
	return lower, upper
}

// LLR returns the log likelihood ratio of H1 (elo1) against H0 (elo0).
// Zero games yield zero.
func LLR(p Params, o Outcomes) float64 {
	n := o.Games()
	if n <= 0 {
		return 0
	}

	pw, pl, _ := observedProportions(o)
	drawElo := ProbaToDrawElo(pw, pl)

	w0, l0, d0 := BayesEloToProba(p.Elo0, drawElo)
	w1, l1, d1 := BayesEloToProba(p.Elo1, drawElo)

	return float64(o.Wins)*math.Log(w1/w0) +
		float64(o.Losses)*math.Log(l1/l0) +
		float64(o.Draws)*math.Log(d1/d0)
}

// Evaluate computes the LLR and compares it to the bounds.
func Evaluate(p Params, o Outcomes) (Result, error) {
	if err := Validate(p); err != nil {
		return Result{Verdict: Continue}, err
	}
	if o.Wins < 0 || o.Losses < 0 || o.Draws < 0 {
		return Result{Verdict: Continue}, fmt.Errorf("%w: negative outcome counts", ErrVerdictComputation)
	}

	lower, upper := Bounds(p)
	res := Result{Lower: lower, Upper: upper, Verdict: Continue}
	if o.Games() == 0 {
		return res, nil
	}

	res.LLR = LLR(p, o)
	switch {
	case res.LLR >= upper:
		res.Verdict = Accept
	case res.LLR <= lower:
		res.Verdict = Reject
	}
	return res, nil
}

// BayesEloToProba converts an elo difference and draw elo to win, loss and
// draw probabilities.
func BayesEloToProba(elo, drawElo float64) (win, loss, draw float64) {
	win = 1 / (1 + math.Pow(10, (-elo+drawElo)/400))
	loss = 1 / (1 + math.Pow(10, (elo+drawElo)/400))
	draw = 1 - win - loss
	return win, loss, draw
}

// ProbaToDrawElo returns the draw elo implied by win and loss probabilities.
func ProbaToDrawElo(win, loss float64) float64 {
	return 200 * math.Log10((1-loss)/loss*(1-win)/win)
}

func observedProportions(o Outcomes) (win, loss, draw float64) {
	n := float64(o.Games())
	win = math.Max(float64(o.Wins)/n, MinProbability)
	loss = math.Max(float64(o.Losses)/n, MinProbability)
	draw = math.Max(float64(o.Draws)/n, MinProbability)
	sum := win + loss + draw
	return win / sum, loss / sum, draw / sum
}
