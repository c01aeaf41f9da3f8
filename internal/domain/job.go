package domain

import (
	"time"
)

// JobStatus is the externally visible status of an async job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s != JobStatusPending
}

// AsyncJob records a long-running operation.
type AsyncJob struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	Status       JobStatus `json:"status"`
	Cancellable  bool      `json:"cancellable"`
	// Committed is set once the job passed its point of no return.
	Committed bool   `json:"committed"`
	Attempts  int    `json:"attempts"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
