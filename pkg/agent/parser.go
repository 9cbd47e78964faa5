package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chuckstables/fishtest/pkg/models"
)

// CandidatePrefix and BaselinePrefix name the two engines in runner output.
const (
	CandidatePrefix = "New-"
	BaselinePrefix  = "Base-"
)

var ErrScoreMismatch = errors.New("runner score disagrees with finished games")

var (
	// Finished game 4 (Base-5446e6f vs New-1a68b26): 1/2-1/2 {Draw by adjudication}
	finishedRe = regexp.MustCompile(`^Finished game (\d+) \((\S+) vs (\S+)\): (\S+)`)
	// Score of New-1a68b26 vs Base-5446e6f: 10 - 8 - 22  [0.525] 40
	scoreRe = regexp.MustCompile(`^Score of (\S+) vs (\S+): (\d+) - (\d+) - (\d+)`)
)

// Event is what a line of runner output meant.
type Event int

const (
	EventNone Event = iota
	EventGame
	EventPair
	EventScore
	EventMatchEnd
)

type gameOutcome struct {
	score    int // candidate's half points: 0, 1 or 2; -1 if undecided
	crash    bool
	timeLoss bool
}

// MatchParser turns runner output into result counters. Games are paired as
// rounds 2k-1 and 2k (same opening, colors reversed) and only finished pairs
// are counted, so the pentanomial always accounts for every reported game.
type MatchParser struct {
	pending map[int]gameOutcome
	result  models.ResultCounters
	// unpaired tallies single games the runner's score line already counts.
	unpaired [3]int
}

// NewMatchParser creates a parser with no games.
func NewMatchParser() *MatchParser {
	return &MatchParser{pending: make(map[int]gameOutcome)}
}

// Result returns the counters of all finished pairs so far.
func (p *MatchParser) Result() models.ResultCounters {
	return p.result
}

// Pairs is the number of finished game pairs.
func (p *MatchParser) Pairs() int {
	return p.result.Pairs()
}

// Feed consumes one line of output.
func (p *MatchParser) Feed(line string) (Event, error) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "Finished match"):
		return EventMatchEnd, nil
	case strings.HasPrefix(line, "Finished game"):
		return p.feedGame(line)
	case strings.HasPrefix(line, "Score of"):
		return EventScore, p.checkScore(line)
	}
	return EventNone, nil
}

func (p *MatchParser) feedGame(line string) (Event, error) {
	m := finishedRe.FindStringSubmatch(line)
	if m == nil {
		return EventNone, nil
	}
	round, err := strconv.Atoi(m[1])
	if err != nil || round < 1 {
		return EventNone, fmt.Errorf("bad round in %q", line)
	}

	white := m[2]
	whiteScore := resultScore(m[4])
	g := gameOutcome{
		score:    whiteScore,
		crash:    strings.Contains(line, "disconnects") || strings.Contains(line, "connection stalls"),
		timeLoss: strings.Contains(line, "on time"),
	}
	if whiteScore >= 0 && !strings.HasPrefix(white, CandidatePrefix) {
		g.score = 2 - whiteScore
	}
	if g.score >= 0 {
		p.unpaired[g.score]++
	}

	other, ok := p.pending[pairPartner(round)]
	if !ok {
		p.pending[round] = g
		return EventGame, nil
	}
	delete(p.pending, pairPartner(round))

	if g.score < 0 || other.score < 0 {
		// An undecided game voids its pair.
		return EventGame, nil
	}
	for _, o := range []gameOutcome{g, other} {
		switch o.score {
		case 2:
			p.result.Wins++
		case 1:
			p.result.Draws++
		case 0:
			p.result.Losses++
		}
		p.unpaired[o.score]--
		if o.crash {
			p.result.Crashes++
		}
		if o.timeLoss {
			p.result.TimeLosses++
		}
	}
	p.result.Pentanomial[g.score+other.score]++
	return EventPair, nil
}

// checkScore compares the runner's running score with the games seen.
func (p *MatchParser) checkScore(line string) error {
	m := scoreRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	w, _ := strconv.Atoi(m[3])
	l, _ := strconv.Atoi(m[4])
	d, _ := strconv.Atoi(m[5])
	if !strings.HasPrefix(m[1], CandidatePrefix) {
		w, l = l, w
	}
	r := p.result
	if w != r.Wins+p.unpaired[2] || l != r.Losses+p.unpaired[0] || d != r.Draws+p.unpaired[1] {
		return fmt.Errorf("%w: score %d-%d-%d", ErrScoreMismatch, w, l, d)
	}
	return nil
}

func pairPartner(round int) int {
	if round%2 == 0 {
		return round - 1
	}
	return round + 1
}

// resultScore is White's half points for a PGN result, or -1.
func resultScore(result string) int {
	switch result {
	case "1-0":
		return 2
	case "1/2-1/2":
		return 1
	case "0-1":
		return 0
	}
	return -1
}
