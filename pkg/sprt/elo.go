package sprt

import "math"

// Estimate is a logistic elo estimate with a 95% confidence interval.
type Estimate struct {
	Elo      float64 `json:"elo"`
	Lower95  float64 `json:"lower_95"`
	Upper95  float64 `json:"upper_95"`
	Score    float64 `json:"score"`
	NumGames int     `json:"games"`
}

const z95 = 1.959963984540054

// EloEstimate derives the elo difference from the score and the per-game
// score variance. Scores are clamped away from 0 and 1 so the result stays
// finite.
func EloEstimate(o Outcomes) Estimate {
	n := o.Games()
	if n == 0 {
		return Estimate{Score: 0.5}
	}

	nf := float64(n)
	score := (float64(o.Wins) + 0.5*float64(o.Draws)) / nf

	dev := float64(o.Wins)*math.Pow(1-score, 2) +
		float64(o.Losses)*math.Pow(score, 2) +
		float64(o.Draws)*math.Pow(0.5-score, 2)
	stderr := math.Sqrt(dev/nf) / math.Sqrt(nf)

	return Estimate{
		Elo:      scoreToElo(score),
		Lower95:  scoreToElo(score - z95*stderr),
		Upper95:  scoreToElo(score + z95*stderr),
		Score:    score,
		NumGames: n,
	}
}

func scoreToElo(s float64) float64 {
	s = math.Min(math.Max(s, MinProbability), 1-MinProbability)
	return -400 * math.Log10(1/s-1)
}
