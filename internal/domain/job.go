package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle status of a processing job. The only legal
// trajectory is Pending -> Running -> (Completed | Failed); the terminal
// statuses are absorbing.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is Completed or Failed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a single processing attempt on a document.
//
// Invariants maintained by the worker and enforced by store patches:
//   - Progress is monotonically non-decreasing within one running session.
//   - CompletedAt is set iff the status is terminal.
//   - StartedAt is set iff the job has ever been running.
//   - Result is only set on Completed; ErrorMessage only on Failed.
type Job struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"documentId"`
	Status       JobStatus       `json:"status"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}
