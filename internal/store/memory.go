package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pageflowhq/pageflow/internal/domain"
)

// Memory provides an in-memory implementation of the Store interface.
// It is thread-safe and suitable for tests and local development; for
// deployments use Postgres.
type Memory struct {
	mu        sync.RWMutex
	documents map[string]*domain.Document
	jobs      map[string]*domain.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		documents: make(map[string]*domain.Document),
		jobs:      make(map[string]*domain.Job),
	}
}

func (s *Memory) CreateDocumentAndJob(ctx context.Context, p CreateDocumentParams) (*domain.Document, *domain.Job, error) {
	now := time.Now().UTC()
	doc := &domain.Document{
		ID:         uuid.NewString(),
		OwnerID:    p.OwnerID,
		Title:      p.Title,
		StorageKey: p.StorageKey,
		MimeType:   p.MimeType,
		SizeBytes:  p.SizeBytes,
		Status:     domain.DocumentUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job := &domain.Job{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Status:     domain.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
	s.jobs[job.ID] = job

	return copyDocument(doc), copyJob(job), nil
}

func (s *Memory) CreateJob(ctx context.Context, documentID string) (*domain.Job, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Status:     domain.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return nil, ErrNotFound
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *Memory) JobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *Memory) DocumentByID(ctx context.Context, documentID, ownerID string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok || (ownerID != "" && doc.OwnerID != ownerID) {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *Memory) TransitionJob(ctx context.Context, jobID string, patch JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
	if patch.Result != nil {
		job.Result = append([]byte(nil), patch.Result...)
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) UpdateDocument(ctx context.Context, documentID string, patch DocumentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return ErrNotFound
	}

	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.PageCount != nil {
		n := *patch.PageCount
		doc.PageCount = &n
	}
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) RunningJobForDocument(ctx context.Context, documentID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *domain.Job
	for _, job := range s.jobs {
		if job.DocumentID != documentID || job.Status != domain.JobRunning {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copyJob(newest), nil
}

func (s *Memory) PendingJobForDocument(ctx context.Context, documentID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *domain.Job
	for _, job := range s.jobs {
		if job.DocumentID != documentID || job.Status != domain.JobPending {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copyJob(newest), nil
}

func (s *Memory) DeleteDocument(ctx context.Context, documentID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok || doc.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.documents, documentID)
	for id, job := range s.jobs {
		if job.DocumentID == documentID {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *Memory) Ping(ctx context.Context) error { return nil }

func (s *Memory) Close() {}

// JobCount reports the number of job rows; used by idempotence tests.
func (s *Memory) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// DocumentCount reports the number of document rows.
func (s *Memory) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// Copies prevent external mutation of stored rows.

func copyDocument(d *domain.Document) *domain.Document {
	out := *d
	if d.PageCount != nil {
		n := *d.PageCount
		out.PageCount = &n
	}
	return &out
}

func copyJob(j *domain.Job) *domain.Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Result != nil {
		out.Result = append([]byte(nil), j.Result...)
	}
	return &out
}
