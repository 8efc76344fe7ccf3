// Package worker implements the processing pipeline: the typed RPC surface
// accepting jobs and the background engine that executes them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/pageflowhq/pageflow/internal/domain"
	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/store"
)

// Timestamp is the wire representation of an instant, protobuf-shaped.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// At converts a time to its wire representation.
func At(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// StartRequest are the inputs to StartProcessing.
type StartRequest struct {
	DocumentID string `json:"documentId"`
	OwnerID    string `json:"ownerId"`
	StorageKey string `json:"storageKey"`
	MimeType   string `json:"mimeType"`
}

// Accepted is the StartProcessing result.
type Accepted struct {
	JobID      string           `json:"jobId"`
	Status     domain.JobStatus `json:"status"`
	AcceptedAt Timestamp        `json:"acceptedAt"`
}

// Update is one element of an ObserveProgress stream.
type Update struct {
	JobID        string           `json:"jobId"`
	Status       domain.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	UpdatedAt    Timestamp        `json:"updatedAt"`
}

// Service is the worker's RPC surface. It validates requests, guards the
// one-running-job-per-document invariant, and hands accepted jobs to the
// engine without waiting on them.
type Service struct {
	store  store.Store
	bus    events.Bus
	engine *Engine
	log    *slog.Logger
}

// NewService wires the RPC surface to its engine.
func NewService(st store.Store, bus events.Bus, engine *Engine) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		engine: engine,
		log:    logger.Component("worker-service"),
	}
}

// StartProcessing accepts a processing request. It returns quickly: the
// processing loop runs in the background.
//
// Idempotence: while a job is running for the document, retries return that
// job's id and create no new rows. A pre-created Pending job (from the
// upload transaction) is adopted rather than duplicated.
func (s *Service) StartProcessing(ctx context.Context, req StartRequest) (*Accepted, error) {
	if req.DocumentID == "" || req.OwnerID == "" {
		return nil, errs.New("worker", "StartProcessing", errs.KindValidation, nil).
			WithMessage("documentId and ownerId are required")
	}

	if _, err := s.store.DocumentByID(ctx, req.DocumentID, req.OwnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New("worker", "StartProcessing", errs.KindNotFound, err).
				WithMessage("document not found")
		}
		return nil, errs.New("worker", "StartProcessing", errs.KindPersistence, err)
	}

	if running, err := s.store.RunningJobForDocument(ctx, req.DocumentID); err != nil {
		return nil, errs.New("worker", "StartProcessing", errs.KindPersistence, err)
	} else if running != nil {
		s.log.Info("job already running, returning existing id",
			"document_id", req.DocumentID, "job_id", running.ID)
		return &Accepted{
			JobID:      running.ID,
			Status:     running.Status,
			AcceptedAt: At(time.Now().UTC()),
		}, nil
	}

	job, err := s.store.PendingJobForDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, errs.New("worker", "StartProcessing", errs.KindPersistence, err)
	}
	if job == nil {
		if job, err = s.store.CreateJob(ctx, req.DocumentID); err != nil {
			return nil, errs.New("worker", "StartProcessing", errs.KindPersistence, err)
		}
	}

	processing := domain.DocumentProcessing
	if err := s.store.UpdateDocument(ctx, req.DocumentID, store.DocumentPatch{
		Status: &processing,
	}); err != nil {
		return nil, errs.New("worker", "StartProcessing", errs.KindPersistence, err)
	}

	s.engine.Start(job.ID, req.DocumentID)

	return &Accepted{
		JobID:      job.ID,
		Status:     job.Status,
		AcceptedAt: At(time.Now().UTC()),
	}, nil
}

// ObserveProgress streams updates for a job until it reaches a terminal
// status. An unknown job fails before the first item; an already-terminal
// job yields exactly one synthetic update built from the stored row.
// Cancelling ctx unsubscribes immediately.
func (s *Service) ObserveProgress(ctx context.Context, jobID string) (<-chan Update, error) {
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New("worker", "ObserveProgress", errs.KindNotFound, err).
				WithMessage("job not found")
		}
		return nil, errs.New("worker", "ObserveProgress", errs.KindPersistence, err)
	}

	out := make(chan Update, 1)

	if job.Status.Terminal() {
		out <- updateFromJob(job)
		close(out)
		return out, nil
	}

	sub, err := s.bus.Subscribe(ctx, domain.ProgressChannel(jobID))
	if err != nil {
		return nil, errs.New("worker", "ObserveProgress", errs.KindPersistence, err)
	}

	// Re-read after subscribing: a terminal transition landing between the
	// snapshot and the subscription publishes its event before the
	// subscription attaches, and the stream would otherwise never complete.
	if job, err = s.store.JobByID(ctx, jobID); err != nil {
		sub.Unsubscribe()
		return nil, errs.New("worker", "ObserveProgress", errs.KindPersistence, err)
	}
	if job.Status.Terminal() {
		sub.Unsubscribe()
		out <- updateFromJob(job)
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-sub.Events():
				if !ok {
					return
				}
				var evt domain.ProgressEvent
				if err := json.Unmarshal(payload, &evt); err != nil {
					s.log.Warn("skipping malformed progress event", "job_id", jobID, "error", err)
					continue
				}

				select {
				case out <- Update{
					JobID:        evt.JobID,
					Status:       evt.Status,
					Progress:     evt.Progress,
					ErrorMessage: evt.ErrorMessage,
					UpdatedAt:    At(evt.PublishedAt),
				}:
				case <-ctx.Done():
					return
				}

				if evt.Status.Terminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

func updateFromJob(job *domain.Job) Update {
	return Update{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		ErrorMessage: job.ErrorMessage,
		UpdatedAt:    At(job.UpdatedAt),
	}
}
