// Package store provides transactional persistence for documents and
// processing jobs. It is the source of truth for status and progress; the
// event channel only mirrors what is written here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pageflowhq/pageflow/internal/domain"
)

// ErrNotFound is returned when a document or job does not exist, or is not
// visible to the requesting owner.
var ErrNotFound = errors.New("store: not found")

// CreateDocumentParams carries the inputs for the upload transaction.
type CreateDocumentParams struct {
	OwnerID    string
	Title      string
	StorageKey string
	MimeType   string
	SizeBytes  int64
}

// JobPatch is a partial update of a processing job. Nil fields are left
// untouched.
type JobPatch struct {
	Status       *domain.JobStatus
	Progress     *int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       json.RawMessage
}

// DocumentPatch is a partial update of a document. Nil fields are left
// untouched.
type DocumentPatch struct {
	Status    *domain.DocumentStatus
	PageCount *int
}

// Store is the durable persistence contract shared by the ingest
// orchestrator, the worker pipeline, and the stream bridge.
type Store interface {
	// CreateDocumentAndJob creates a document and its first processing job
	// in one transaction. On any failure no partial rows remain. The new
	// document starts Uploaded; the job starts Pending at progress 0.
	CreateDocumentAndJob(ctx context.Context, p CreateDocumentParams) (*domain.Document, *domain.Job, error)

	// CreateJob adds a fresh Pending job for an existing document. Used by
	// the worker when no adoptable Pending job remains (e.g. a re-drive of
	// a document whose previous run already reached a terminal status).
	CreateJob(ctx context.Context, documentID string) (*domain.Job, error)

	// JobByID returns the job or ErrNotFound.
	JobByID(ctx context.Context, jobID string) (*domain.Job, error)

	// DocumentByID returns the document or ErrNotFound. A non-empty
	// ownerID additionally enforces the ownership filter.
	DocumentByID(ctx context.Context, documentID, ownerID string) (*domain.Document, error)

	// TransitionJob applies a partial update to a job. The caller is
	// responsible for respecting the job lifecycle invariants.
	TransitionJob(ctx context.Context, jobID string, patch JobPatch) error

	// UpdateDocument applies a partial update to a document.
	UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) error

	// RunningJobForDocument returns the running job for the document, or
	// (nil, nil) when none exists.
	RunningJobForDocument(ctx context.Context, documentID string) (*domain.Job, error)

	// PendingJobForDocument returns the newest pending job for the
	// document, or (nil, nil) when none exists. The worker adopts this row
	// instead of creating a duplicate when a dispatch is retried.
	PendingJobForDocument(ctx context.Context, documentID string) (*domain.Job, error)

	// DeleteDocument removes an owner's document; jobs cascade.
	DeleteDocument(ctx context.Context, documentID, ownerID string) error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close()
}
