package models

import (
	"time"
)

// WorkerHealth is derived from how recently a worker contacted the coordinator.
type WorkerHealth string

const (
	WorkerHealthy WorkerHealth = "healthy"
	WorkerStale   WorkerHealth = "stale"
)

// Capability is what a worker declares it can run.
type Capability struct {
	Concurrency   int    `json:"concurrency" validate:"gte=1"`
	CPUModel      string `json:"cpu_model,omitempty"`
	RAMTotalBytes uint64 `json:"ram_total_bytes,omitempty"`
	NPS           int    `json:"nps,omitempty" validate:"gte=0"`
	Version       string `json:"version,omitempty"`
}

// Worker is a connected worker session. It is not persisted.
type Worker struct {
	ID         string       `json:"id"`
	Name       string       `json:"name,omitempty"`
	Capability Capability   `json:"capability"`
	FirstSeen  time.Time    `json:"first_seen"`
	LastSeen   time.Time    `json:"last_seen"`
	HeldTasks  []string     `json:"held_tasks,omitempty"`
	Health     WorkerHealth `json:"health"`
}
