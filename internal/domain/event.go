package domain

import (
	"fmt"
	"math"
	"time"
)

// ProgressEvent is the wire shape published on the event channel. It is
// never persisted; the durable store remains authoritative and events are
// lossy by design.
type ProgressEvent struct {
	JobID        string    `json:"jobId"`
	DocumentID   string    `json:"documentId"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	CurrentPage  int       `json:"currentPage"`
	TotalPages   int       `json:"totalPages"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	PublishedAt  time.Time `json:"publishedAt"`
}

// ProgressChannel returns the event channel name for a job. The name is
// deterministic so it stays stable across restarts of both producer and
// consumer.
func ProgressChannel(jobID string) string {
	return fmt.Sprintf("doc:%s:progress", jobID)
}

// PageProgress reports the progress percentage after processing page p of
// total. The scale tops out at 95 so that 100 is only ever emitted together
// with a terminal status, which keeps the sequence strictly monotonic.
func PageProgress(p, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(p) * 95 / float64(total)))
}
