package model

import (
	"time"
)

// Task is an ephemeral record of one submitted job. Tasks are created when a
// pipeline registers a stage, mutated by the status register as the job
// advances, and garbage-collected after acknowledgment or once the retention
// window elapses.
type Task struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	Stage      Stage      `json:"stage"`
	Status     Status     `json:"status"`
	Generation uint64     `json:"generation"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Acked      bool       `json:"acked"`
}
