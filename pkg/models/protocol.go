package models

// UpdateStatus is the coordinator's answer to a worker exchange.
type UpdateStatus string

const (
	StatusOK          UpdateStatus = "ok"
	StatusStop        UpdateStatus = "stop"
	StatusUnknownTask UpdateStatus = "unknown_task"
	StatusMalformed   UpdateStatus = "malformed"
	StatusNoWork      UpdateStatus = "no_work"
)

// TaskRequest asks the coordinator for work.
type TaskRequest struct {
	WorkerID   string     `json:"worker_id" validate:"required"`
	WorkerName string     `json:"worker_name,omitempty"`
	Capability Capability `json:"capability"`
}

// TaskResponse answers a TaskRequest.
type TaskResponse struct {
	Status     UpdateStatus    `json:"status"`
	Assignment *TaskAssignment `json:"assignment,omitempty"`
	RetryAfter int             `json:"retry_after,omitempty"` // seconds
}

// TaskUpdate carries a cumulative partial result for a held task.
type TaskUpdate struct {
	WorkerID      string         `json:"worker_id" validate:"required"`
	TaskID        string         `json:"task_id" validate:"required"`
	PartialResult ResultCounters `json:"partial_result"`
}

// TaskCompletion carries the final result of a task.
type TaskCompletion struct {
	WorkerID    string         `json:"worker_id" validate:"required"`
	TaskID      string         `json:"task_id" validate:"required"`
	FinalResult ResultCounters `json:"final_result"`
}

// TaskAbort gives up a held task because it cannot be played as specified,
// for example when an engine's bench signature does not match. The test is
// stopped with Reason.
type TaskAbort struct {
	WorkerID string `json:"worker_id" validate:"required"`
	TaskID   string `json:"task_id" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

// UpdateResponse answers a TaskUpdate or TaskCompletion.
type UpdateResponse struct {
	Status UpdateStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}
