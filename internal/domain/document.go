// Package domain holds the core entities of the processing pipeline:
// documents, processing jobs, and the ephemeral progress events that
// connect the worker to live subscribers.
package domain

import "time"

// DocumentStatus is the lifecycle status of an uploaded document.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an uploaded artifact owned by exactly one user. Deleting a
// document cascades to its processing jobs.
type Document struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"ownerId"`
	Title      string         `json:"title"`
	StorageKey string         `json:"storageKey"`
	MimeType   string         `json:"mimeType"`
	SizeBytes  int64          `json:"sizeBytes"`
	Status     DocumentStatus `json:"status"`
	PageCount  *int           `json:"pageCount,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
