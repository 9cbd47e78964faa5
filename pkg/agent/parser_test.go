package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuckstables/fishtest/pkg/models"
)

const sampleOutput = `Started game 1 of 6 (New-ks vs Base-master)
Started game 2 of 6 (Base-master vs New-ks)
Finished game 1 (New-ks vs Base-master): 1-0 {White mates}
Score of New-ks vs Base-master: 1 - 0 - 0  [1.000] 1
Finished game 2 (Base-master vs New-ks): 1/2-1/2 {Draw by 3-fold repetition}
Score of New-ks vs Base-master: 1 - 0 - 1  [0.750] 2
Finished game 4 (Base-master vs New-ks): 1-0 {Black loses on time}
Score of New-ks vs Base-master: 1 - 1 - 1  [0.500] 3
Finished game 3 (New-ks vs Base-master): 0-1 {White disconnects}
Score of New-ks vs Base-master: 1 - 2 - 1  [0.375] 4
Finished game 5 (New-ks vs Base-master): 1/2-1/2 {Draw by adjudication}
Score of New-ks vs Base-master: 1 - 2 - 2  [0.400] 5
Finished game 6 (Base-master vs New-ks): * {No result}
Finished match
`

func TestMatchParser(t *testing.T) {
	p := NewMatchParser()
	var events []Event
	for _, line := range strings.Split(sampleOutput, "\n") {
		ev, err := p.Feed(line)
		require.NoError(t, err, line)
		if ev == EventPair || ev == EventMatchEnd {
			events = append(events, ev)
		}
	}

	assert.Equal(t, []Event{EventPair, EventPair, EventMatchEnd}, events)
	// Pair 1: win + draw = 3 points; pair 2: loss + loss = 0 points.
	// Pair 3 is void because game 6 has no result.
	assert.Equal(t, models.ResultCounters{
		Wins:        1,
		Losses:      2,
		Draws:       1,
		Crashes:     1,
		TimeLosses:  1,
		Pentanomial: [5]int{1, 0, 0, 1, 0},
	}, p.Result())
	assert.Equal(t, 2, p.Pairs())
	assert.NoError(t, p.Result().Validate(6))
}

func TestMatchParserScoreMismatch(t *testing.T) {
	p := NewMatchParser()
	_, err := p.Feed("Finished game 1 (New-ks vs Base-master): 1-0 {White mates}")
	require.NoError(t, err)
	_, err = p.Feed("Score of New-ks vs Base-master: 0 - 1 - 0  [0.000] 1")
	assert.ErrorIs(t, err, ErrScoreMismatch)

	// The score line may name the baseline first.
	_, err = p.Feed("Score of Base-master vs New-ks: 0 - 1 - 0  [0.000] 1")
	assert.NoError(t, err)
}

func TestMatchParserIgnoresNoise(t *testing.T) {
	p := NewMatchParser()
	for _, line := range []string{"", "Elo difference: 12.3 +/- 4.5", "Finished game x (a vs b): 1-0", "Indexing opening suite..."} {
		ev, err := p.Feed(line)
		require.NoError(t, err)
		assert.Equal(t, EventNone, ev)
	}
	assert.True(t, p.Result().IsZero())
}
