package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pageflowhq/pageflow/internal/domain"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/metrics"
	"github.com/pageflowhq/pageflow/internal/store"
)

// Engine runs processing jobs in the background, one goroutine per job.
// Tasks are independent: they share nothing but the store and the event
// channel, and a crashed task never takes the process down with it.
//
// Every durable write strictly precedes the matching event publish, so a
// late subscriber can always re-read the store and reconcile.
type Engine struct {
	store     store.Store
	bus       events.Bus
	pageDelay time.Duration
	pageCount int
	log       *slog.Logger
	wg        sync.WaitGroup
}

// NewEngine creates an engine. pageDelay is the simulated per-page work
// duration; pageCount is the simulated page count used when no extractor is
// wired in.
func NewEngine(st store.Store, bus events.Bus, pageDelay time.Duration, pageCount int) *Engine {
	return &Engine{
		store:     st,
		bus:       bus,
		pageDelay: pageDelay,
		pageCount: pageCount,
		log:       logger.Component("worker-engine"),
	}
}

// Start launches the processing task for a job and returns immediately.
func (e *Engine) Start(jobID, documentID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("processing task panicked", "job_id", jobID, "panic", r)
				e.fail(context.Background(), jobID, documentID, fmt.Errorf("panic: %v", r))
			}
		}()

		if err := e.process(context.Background(), jobID, documentID); err != nil {
			e.fail(context.Background(), jobID, documentID, err)
		}
	}()
}

// Wait blocks until all running tasks finish. Used by tests and by the
// worker binary's shutdown path; abandoning tasks is also safe, a
// partially-persisted Running job can be re-driven.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) process(ctx context.Context, jobID, documentID string) error {
	n := e.pageCount
	now := time.Now().UTC()

	running := domain.JobRunning
	zero := 0
	if err := e.store.TransitionJob(ctx, jobID, store.JobPatch{
		Status:    &running,
		Progress:  &zero,
		StartedAt: &now,
	}); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	e.publish(ctx, domain.ProgressEvent{
		JobID:       jobID,
		DocumentID:  documentID,
		Status:      domain.JobRunning,
		Progress:    0,
		Message:     fmt.Sprintf("Processing started — %d pages queued", n),
		CurrentPage: 0,
		TotalPages:  n,
		PublishedAt: time.Now().UTC(),
	})

	for p := 1; p <= n; p++ {
		time.Sleep(e.pageDelay)

		progress := domain.PageProgress(p, n)
		if err := e.store.TransitionJob(ctx, jobID, store.JobPatch{
			Progress: &progress,
		}); err != nil {
			return fmt.Errorf("persist progress for page %d: %w", p, err)
		}

		e.publish(ctx, domain.ProgressEvent{
			JobID:       jobID,
			DocumentID:  documentID,
			Status:      domain.JobRunning,
			Progress:    progress,
			Message:     fmt.Sprintf("Processing page %d of %d", p, n),
			CurrentPage: p,
			TotalPages:  n,
			PublishedAt: time.Now().UTC(),
		})
	}

	completed := domain.JobCompleted
	full := 100
	doneAt := time.Now().UTC()
	result, _ := json.Marshal(map[string]int{"pageCount": n})
	if err := e.store.TransitionJob(ctx, jobID, store.JobPatch{
		Status:      &completed,
		Progress:    &full,
		CompletedAt: &doneAt,
		Result:      result,
	}); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}

	docCompleted := domain.DocumentCompleted
	if err := e.store.UpdateDocument(ctx, documentID, store.DocumentPatch{
		Status:    &docCompleted,
		PageCount: &n,
	}); err != nil {
		return fmt.Errorf("complete document: %w", err)
	}

	e.publish(ctx, domain.ProgressEvent{
		JobID:       jobID,
		DocumentID:  documentID,
		Status:      domain.JobCompleted,
		Progress:    100,
		Message:     fmt.Sprintf("Processing complete — %d pages extracted", n),
		CurrentPage: n,
		TotalPages:  n,
		PublishedAt: time.Now().UTC(),
	})

	metrics.JobsTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
	e.log.Info("job completed", "job_id", jobID, "document_id", documentID, "pages", n)
	return nil
}

// fail records the terminal failure. The durable write comes first; if it
// fails too, both errors are logged and the task exits. The failure event
// is best-effort.
func (e *Engine) fail(ctx context.Context, jobID, documentID string, cause error) {
	e.log.Error("job failed", "job_id", jobID, "error", cause)

	failed := domain.JobFailed
	msg := cause.Error()
	doneAt := time.Now().UTC()
	if err := e.store.TransitionJob(ctx, jobID, store.JobPatch{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &doneAt,
	}); err != nil {
		e.log.Error("could not persist job failure", "job_id", jobID,
			"persist_error", err, "job_error", cause)
	}

	docFailed := domain.DocumentFailed
	if err := e.store.UpdateDocument(ctx, documentID, store.DocumentPatch{
		Status: &docFailed,
	}); err != nil {
		e.log.Error("could not persist document failure", "document_id", documentID, "error", err)
	}

	e.publish(ctx, domain.ProgressEvent{
		JobID:        jobID,
		DocumentID:   documentID,
		Status:       domain.JobFailed,
		Progress:     0,
		Message:      "Processing failed",
		ErrorMessage: msg,
		TotalPages:   e.pageCount,
		PublishedAt:  time.Now().UTC(),
	})

	metrics.JobsTotal.WithLabelValues(string(domain.JobFailed)).Inc()
}

// publish sends an event to the job's channel. Publish failures are
// warnings only: the store already holds the truth.
func (e *Engine) publish(ctx context.Context, evt domain.ProgressEvent) {
	if _, err := e.bus.Publish(ctx, domain.ProgressChannel(evt.JobID), evt); err != nil {
		e.log.Warn("progress publish failed", "job_id", evt.JobID, "error", err)
		return
	}
	metrics.EventsPublished.Inc()
}
