// Package tasks implements a durable background task queue: a dispatcher
// that persists task records, pluggable stores (memory, SQLite, Redis),
// and a worker that claims tasks by priority, executes registered
// handlers under a timeout, and retries failures with exponential
// backoff. Delivery is at-least-once; handlers must be idempotent.
package tasks

import (
	"context"
	"time"
)

// Status is a task lifecycle state. COMPLETED, FAILED and CANCELLED are
// terminal.
type Status string

const (
	// StatusPending means the task is ready to be claimed.
	StatusPending Status = "PENDING"
	// StatusScheduled means the task runs at scheduledFor in the future.
	StatusScheduled Status = "SCHEDULED"
	// StatusProcessing means a worker holds the task. A PROCESSING row
	// always carries workerId and startedAt.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted means the handler returned successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means retries are exhausted.
	StatusFailed Status = "FAILED"
	// StatusCancelled means the task was withdrawn before execution.
	StatusCancelled Status = "CANCELLED"
	// StatusRetrying marks the window between a failed attempt and the
	// task being rescheduled.
	StatusRetrying Status = "RETRYING"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders claims within a queue. Higher weight is claimed first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "custom"
	}
}

// Task is one durable queue record. Args and Result are opaque payloads
// encoded by the application (typically JSON).
type Task struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Queue        string            `json:"queue"`
	Args         []byte            `json:"args,omitempty"`
	Status       Status            `json:"status"`
	Priority     Priority          `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Result       []byte            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	StackTrace   string            `json:"stack_trace,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	WorkerID     string            `json:"worker_id,omitempty"`
	Timeout      time.Duration     `json:"timeout"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so store snapshots cannot be mutated by
// callers.
func (t *Task) Clone() *Task {
	out := *t
	if t.Args != nil {
		out.Args = append([]byte(nil), t.Args...)
	}
	if t.Result != nil {
		out.Result = append([]byte(nil), t.Result...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Handler executes one task attempt. The context carries the task
// timeout; the returned payload is persisted as the task result.
type Handler func(ctx context.Context, t *Task) ([]byte, error)
