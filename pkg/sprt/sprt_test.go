package sprt

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"default", DefaultParams(), false},
		{"negative hypotheses", Params{Elo0: -3, Elo1: 1, Alpha: 0.05, Beta: 0.05}, false},
		{"equal elos", Params{Elo0: 2, Elo1: 2, Alpha: 0.05, Beta: 0.05}, true},
		{"zero alpha", Params{Elo0: 0, Elo1: 5, Alpha: 0, Beta: 0.05}, true},
		{"beta one", Params{Elo0: 0, Elo1: 5, Alpha: 0.05, Beta: 1}, true},
		{"alpha plus beta", Params{Elo0: 0, Elo1: 5, Alpha: 0.6, Beta: 0.5}, true},
		{"nan elo", Params{Elo0: math.NaN(), Elo1: 5, Alpha: 0.05, Beta: 0.05}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%+v) error = %v, wantErr %v", tt.params, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrVerdictComputation) {
				t.Errorf("expected ErrVerdictComputation, got %v", err)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	lower, upper := Bounds(DefaultParams())
	assert.InDelta(t, -2.944439, lower, 1e-6)
	assert.InDelta(t, 2.944439, upper, 1e-6)

	lower, upper = Bounds(Params{Elo0: 0, Elo1: 5, Alpha: 0.05, Beta: 0.1})
	assert.InDelta(t, -2.251292, lower, 1e-6)
	assert.InDelta(t, 2.890372, upper, 1e-6)
}

func TestEvaluateZeroGamesContinues(t *testing.T) {
	res, err := Evaluate(DefaultParams(), Outcomes{})
	require.NoError(t, err)
	assert.Equal(t, Continue, res.Verdict)
	assert.Zero(t, res.LLR)
}

func TestEvaluateBoundaries(t *testing.T) {
	p := DefaultParams()

	tests := []struct {
		name    string
		o       Outcomes
		verdict Verdict
	}{
		{"small sample", Outcomes{Wins: 10, Losses: 8, Draws: 30}, Continue},
		{"all draws", Outcomes{Draws: 100}, Continue},
		{"clear gain", Outcomes{Wins: 1376, Losses: 1216, Draws: 3808}, Accept},
		{"clear loss", Outcomes{Wins: 836, Losses: 946, Draws: 2618}, Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(p, tt.o)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, res.Verdict, "llr=%f", res.LLR)
			assert.False(t, math.IsNaN(res.LLR))
			assert.False(t, math.IsInf(res.LLR, 0))
		})
	}
}

func TestEvaluateKnownValues(t *testing.T) {
	p := DefaultParams()
	assert.InDelta(t, 4.191806, LLR(p, Outcomes{Wins: 1000, Losses: 800, Draws: 3000}), 1e-5)
	assert.InDelta(t, -5.172593, LLR(p, Outcomes{Wins: 800, Losses: 1000, Draws: 3000}), 1e-5)
	assert.InDelta(t, 0.041918, LLR(p, Outcomes{Wins: 10, Losses: 8, Draws: 30}), 1e-5)
}

func TestEvaluateDegenerateSequencesStayFinite(t *testing.T) {
	p := DefaultParams()
	for _, o := range []Outcomes{{Wins: 100}, {Losses: 100}, {Draws: 100}, {Wins: 50, Losses: 50}} {
		llr := LLR(p, o)
		if math.IsNaN(llr) || math.IsInf(llr, 0) {
			t.Errorf("LLR(%+v) = %v, want finite", o, llr)
		}
	}
	assert.Greater(t, LLR(p, Outcomes{Wins: 100}), 0.0)
	assert.Less(t, LLR(p, Outcomes{Losses: 100}), 0.0)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := Params{Elo0: -1.75, Elo1: 0.25, Alpha: 0.05, Beta: 0.05}
	o := Outcomes{Wins: 12345, Losses: 12001, Draws: 40321}

	first, err := Evaluate(p, o)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := Evaluate(p, o)
		require.NoError(t, err)
		if again != first {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestEvaluateRejectsInvalidParams(t *testing.T) {
	_, err := Evaluate(Params{Elo0: 1, Elo1: 1, Alpha: 0.05, Beta: 0.05}, Outcomes{Wins: 1})
	assert.ErrorIs(t, err, ErrVerdictComputation)

	_, err = Evaluate(DefaultParams(), Outcomes{Wins: -1})
	assert.ErrorIs(t, err, ErrVerdictComputation)
}

func TestBayesEloRoundTrip(t *testing.T) {
	win, loss, draw := BayesEloToProba(10, 250)
	assert.InDelta(t, 1.0, win+loss+draw, 1e-12)
	assert.InDelta(t, 250, ProbaToDrawElo(win, loss), 1e-9)
}

func TestEloEstimate(t *testing.T) {
	est := EloEstimate(Outcomes{Wins: 43, Losses: 38, Draws: 119})
	assert.InDelta(t, 0.5125, est.Score, 1e-12)
	assert.InDelta(t, 8.6877, est.Elo, 1e-3)
	assert.Less(t, est.Lower95, est.Elo)
	assert.Greater(t, est.Upper95, est.Elo)
	assert.Equal(t, 200, est.NumGames)

	empty := EloEstimate(Outcomes{})
	assert.Zero(t, empty.Elo)

	allWins := EloEstimate(Outcomes{Wins: 10})
	assert.False(t, math.IsInf(allWins.Elo, 0))
}
