package models

import (
	"fmt"
)

// validTestTransitions maps from-state to allowed to-states
var validTestTransitions = map[TestStatus]map[TestStatus]bool{
	TestStatusPending: {
		TestStatusActive:  true, // Pending → Active (first task issued)
		TestStatusStopped: true, // Pending → Stopped (operator stops before any work)
		TestStatusDeleted: true, // Pending → Deleted (operator deletes)
	},
	TestStatusActive: {
		TestStatusPassed:   true, // Active → Passed (SPRT accept)
		TestStatusFailed:   true, // Active → Failed (SPRT reject)
		TestStatusFinished: true, // Active → Finished (budget exhausted, no verdict)
		TestStatusStopped:  true, // Active → Stopped (operator stop or worker abort)
		TestStatusDeleted:  true, // Active → Deleted (operator deletes)
	},
	// Terminal states only allow deletion
	TestStatusPassed:   {TestStatusDeleted: true},
	TestStatusFailed:   {TestStatusDeleted: true},
	TestStatusFinished: {TestStatusDeleted: true},
	TestStatusStopped:  {TestStatusDeleted: true},
	TestStatusDeleted:  {},
}

// validTaskTransitions maps from-state to allowed to-states
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusActive: true,
	},
	TaskStatusActive: {
		TaskStatusCompleted: true, // worker reported the final result
		TaskStatusAbandoned: true, // lease expired, or given up by its worker
	},
	TaskStatusAbandoned: {
		TaskStatusActive: true, // reissued to another worker
	},
	TaskStatusCompleted: {},
}

// ValidateTestTransition checks if a test state transition is valid
func ValidateTestTransition(from, to TestStatus) error {
	allowed, exists := validTestTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// ValidateTaskTransition checks if a task state transition is valid
func ValidateTaskTransition(from, to TaskStatus) error {
	allowed, exists := validTaskTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalTestStatus returns true once no further tasks may be issued and
// counters no longer change.
func IsTerminalTestStatus(s TestStatus) bool {
	switch s {
	case TestStatusPassed, TestStatusFailed, TestStatusFinished, TestStatusStopped, TestStatusDeleted:
		return true
	}
	return false
}

// IsDecisive returns true for statuses set by the statistical test.
func IsDecisive(s TestStatus) bool {
	return s == TestStatusPassed || s == TestStatusFailed
}
