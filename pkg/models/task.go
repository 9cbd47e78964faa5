package models

import (
	"time"

	"github.com/chuckstables/fishtest/pkg/lease"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// Task is a batch of games of one test, played by one worker at a time.
type Task struct {
	ID            string         `json:"id"`
	TestID        string         `json:"test_id"`
	Index         int            `json:"index"`
	NumGames      int            `json:"num_games"`
	Concurrency   int            `json:"concurrency"`
	WorkerID      string         `json:"worker_id,omitempty"`
	Lease         lease.Lease    `json:"lease"`
	Status        TaskStatus     `json:"status"`
	Result        ResultCounters `json:"result"`
	Attempts      int            `json:"attempts"`
	Flagged       bool           `json:"flagged,omitempty"`
	FlagReason    string         `json:"flag_reason,omitempty"`
	StopRequested bool           `json:"stop_requested,omitempty"`
	AssignedAt    *time.Time     `json:"assigned_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// HeldBy reports whether workerID currently holds an active claim on the task.
func (t *Task) HeldBy(workerID string) bool {
	return t.Status == TaskStatusActive && t.WorkerID == workerID && t.Lease.HeldBy(workerID)
}

// Flag marks the task as having reported a malformed result or an engine
// that failed its checks.
func (t *Task) Flag(reason string) {
	t.Flagged = true
	t.FlagReason = reason
}

// TransitionTo moves the task to a new status.
func (t *Task) TransitionTo(to TaskStatus) error {
	if err := ValidateTaskTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	return nil
}

// TaskAssignment is what a worker receives when it is handed a task.
type TaskAssignment struct {
	Task      Task       `json:"task"`
	Baseline  EngineRef  `json:"baseline"`
	Candidate EngineRef  `json:"candidate"`
	Params    GameParams `json:"params"`
	LeaseTTL  float64    `json:"lease_ttl_seconds"`
}
