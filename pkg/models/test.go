package models

import (
	"time"

	"github.com/chuckstables/fishtest/pkg/sprt"
)

// TestStatus represents the status of a test
type TestStatus string

const (
	TestStatusPending  TestStatus = "pending"  // Created, no task issued yet
	TestStatusActive   TestStatus = "active"   // At least one task issued
	TestStatusPassed   TestStatus = "passed"   // SPRT accepted H1
	TestStatusFailed   TestStatus = "failed"   // SPRT accepted H0
	TestStatusFinished TestStatus = "finished" // Budget played out without a verdict
	TestStatusStopped  TestStatus = "stopped"  // Stopped by an operator
	TestStatusDeleted  TestStatus = "deleted"  // Removed by an operator
)

// EngineRef identifies one side of the match.
type EngineRef struct {
	Repo    string `json:"repo,omitempty" yaml:"repo,omitempty"`
	Ref     string `json:"ref" yaml:"ref" validate:"required"`
	Tag     string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Options string `json:"options,omitempty" yaml:"options,omitempty"` // "Hash=16 Threads=1"
	// Signature is the node count the engine's bench must print. Zero skips
	// the check.
	Signature int64 `json:"signature,omitempty" yaml:"signature,omitempty" validate:"gte=0"`
}

// GameParams are the match settings shared by every task of a test.
type GameParams struct {
	TimeControl string `json:"time_control" yaml:"time_control" validate:"required"` // e.g. "10+0.1", "40/60+0.6"
	Book        string `json:"book,omitempty" yaml:"book,omitempty"`
	BookDepth   int    `json:"book_depth,omitempty" yaml:"book_depth,omitempty" validate:"gte=0"`
	Threads     int    `json:"threads" yaml:"threads" validate:"gte=1"`
}

// Test is a proposed engine change under evaluation.
type Test struct {
	ID               string            `json:"id"`
	SequenceNumber   int64             `json:"sequence_number"`
	Info             string            `json:"info,omitempty"`
	Baseline         EngineRef         `json:"baseline"`
	Candidate        EngineRef         `json:"candidate"`
	Params           GameParams        `json:"params"`
	SPRT             sprt.Params       `json:"sprt"`
	NumGames         int               `json:"num_games"`
	Priority         int               `json:"priority"`
	Status           TestStatus        `json:"status"`
	Counters         ResultCounters    `json:"counters"`
	LLR              float64           `json:"llr"`
	Verdict          sprt.Verdict      `json:"verdict"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// TestRequest represents a request to create a new test
type TestRequest struct {
	Info      string      `json:"info,omitempty" yaml:"info,omitempty"`
	Baseline  EngineRef   `json:"baseline" yaml:"baseline"`
	Candidate EngineRef   `json:"candidate" yaml:"candidate"`
	Params    GameParams  `json:"params" yaml:"params"`
	SPRT      sprt.Params `json:"sprt" yaml:"sprt"`
	NumGames  int         `json:"num_games" yaml:"num_games" validate:"gte=2"`
	Priority  int         `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// StateTransition tracks test state changes with timestamps
type StateTransition struct {
	From      TestStatus `json:"from"`
	To        TestStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason,omitempty"`
}

// TestView is a test together with its derived statistics.
type TestView struct {
	Test
	Bounds   SPRTBounds    `json:"bounds"`
	Estimate sprt.Estimate `json:"estimate"`
	Tasks    TaskSummary   `json:"tasks"`
}

// SPRTBounds are the LLR thresholds of a test.
type SPRTBounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// TaskSummary counts a test's tasks by status.
type TaskSummary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Abandoned int `json:"abandoned"`
	Flagged   int `json:"flagged"`
}

// AcceptsWork reports whether new tasks may still be issued for the test.
func (t *Test) AcceptsWork() bool {
	return t.Status == TestStatusPending || t.Status == TestStatusActive
}

// TransitionTo moves the test to a new status, recording the transition.
func (t *Test) TransitionTo(to TestStatus, reason string, now time.Time) error {
	if err := ValidateTestTransition(t.Status, to); err != nil {
		return err
	}
	t.StateTransitions = append(t.StateTransitions, StateTransition{
		From:      t.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	t.Status = to
	switch {
	case to == TestStatusActive && t.StartedAt == nil:
		t.StartedAt = &now
	case IsTerminalTestStatus(to) && t.FinishedAt == nil:
		t.FinishedAt = &now
	}
	return nil
}
