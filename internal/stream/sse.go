// Package stream bridges the ephemeral progress channel to browsers over
// Server-Sent Events. Every connection opens with a durable snapshot so a
// reconnecting client never depends on having seen earlier events.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/domain"
	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/metrics"
	"github.com/pageflowhq/pageflow/internal/store"
)

// Handler serves GET /documents/{jobId}/progress.
type Handler struct {
	store store.Store
	bus   events.Bus
	cfg   *config.Config
	log   *slog.Logger
}

// NewHandler wires the bridge to its durable and ephemeral sources.
func NewHandler(st store.Store, bus events.Bus, cfg *config.Config) *Handler {
	return &Handler{
		store: st,
		bus:   bus,
		cfg:   cfg,
		log:   logger.Component("stream"),
	}
}

// progressFrame is the data payload of a progress frame. Stage is the
// uppercase job status.
type progressFrame struct {
	JobID        string    `json:"jobId"`
	DocumentID   string    `json:"documentId,omitempty"`
	Percent      int       `json:"percent"`
	Stage        string    `json:"stage"`
	Message      string    `json:"message"`
	CurrentPage  int       `json:"currentPage"`
	TotalPages   int       `json:"totalPages"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// timeoutFrame is the data payload of the lifetime-expiry frame.
type timeoutFrame struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// errorFrame is the data payload emitted when the upstream subscription
// dies under the connection.
type errorFrame struct {
	JobID        string    `json:"jobId"`
	Stage        string    `json:"stage"`
	Percent      int       `json:"percent"`
	Message      string    `json:"message"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func stage(s domain.JobStatus) string {
	return strings.ToUpper(string(s))
}

// Progress streams a job's progress until it reaches a terminal status, the
// stream lifetime expires, the upstream subscription dies, or the client
// disconnects. Unknown jobs answer plain JSON 404 before any stream bytes.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.store.JobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errs.WriteHTTP(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		errs.WriteHTTP(w, http.StatusInternalServerError, "persistence", "internal server error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errs.WriteHTTP(w, http.StatusInternalServerError, "streaming_unsupported",
			"response writer does not support streaming")
		return
	}

	// Subscribe before the snapshot read; an event landing between the two
	// is then duplicated at worst, never lost.
	var sub events.Subscription
	if !job.Status.Terminal() {
		if sub, err = h.bus.Subscribe(r.Context(), domain.ProgressChannel(jobID)); err != nil {
			h.log.Error("subscribe failed", "job_id", jobID, "error", err)
			errs.WriteHTTP(w, http.StatusInternalServerError, "subscribe_failed", "internal server error")
			return
		}
		if job, err = h.store.JobByID(r.Context(), jobID); err != nil {
			sub.Unsubscribe()
			errs.WriteHTTP(w, http.StatusInternalServerError, "persistence", "internal server error")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := &conn{w: w, flusher: flusher, sub: sub, log: h.log, jobID: jobID}
	defer c.close()

	fmt.Fprintf(w, "retry: %d\n\n", h.cfg.SSERetryMillis)
	flusher.Flush()

	c.emit("progress", snapshotFrame(job))
	if job.Status.Terminal() {
		return
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(h.cfg.StreamLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; nothing to tell it.
			return

		case <-lifetime.C:
			c.emit("timeout", timeoutFrame{
				JobID:   jobID,
				Message: "Stream timed out — please reconnect or check job status via API",
			})
			return

		case <-heartbeat.C:
			c.comment("heartbeat")

		case payload, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					h.log.Warn("subscription terminated", "job_id", jobID, "error", err)
					c.emit("error", errorFrame{
						JobID:        jobID,
						Stage:        stage(domain.JobFailed),
						Percent:      0,
						Message:      "Stream error — please retry",
						ErrorMessage: err.Error(),
						Timestamp:    time.Now().UTC(),
					})
				}
				return
			}

			var evt domain.ProgressEvent
			if err := json.Unmarshal(payload, &evt); err != nil {
				h.log.Warn("skipping malformed progress event", "job_id", jobID, "error", err)
				continue
			}

			c.emit("progress", progressFrame{
				JobID:        evt.JobID,
				DocumentID:   evt.DocumentID,
				Percent:      evt.Progress,
				Stage:        stage(evt.Status),
				Message:      evt.Message,
				CurrentPage:  evt.CurrentPage,
				TotalPages:   evt.TotalPages,
				ErrorMessage: evt.ErrorMessage,
				Timestamp:    evt.PublishedAt,
			})
			if evt.Status.Terminal() {
				return
			}
		}
	}
}

// snapshotFrame renders the durable row as the connection's first frame.
func snapshotFrame(job *domain.Job) progressFrame {
	ts := job.UpdatedAt
	if ts.IsZero() {
		ts = job.CreatedAt
	}

	var message string
	switch job.Status {
	case domain.JobPending:
		message = "Job is queued for processing"
	case domain.JobRunning:
		message = fmt.Sprintf("Processing in progress — %d%% complete", job.Progress)
	case domain.JobCompleted:
		message = "Processing completed successfully"
	case domain.JobFailed:
		message = job.ErrorMessage
		if message == "" {
			message = "Processing failed"
		}
	}

	return progressFrame{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		Percent:      job.Progress,
		Stage:        stage(job.Status),
		Message:      message,
		ErrorMessage: job.ErrorMessage,
		Timestamp:    ts,
	}
}

// conn owns the write side of one SSE connection. A single goroutine writes;
// close is safe from every exit path.
type conn struct {
	w       http.ResponseWriter
	flusher http.Flusher
	sub     events.Subscription
	log     *slog.Logger
	jobID   string

	frameID int
	closed  bool
}

// emit writes one frame: id, event name, one data line.
func (c *conn) emit(event string, data any) {
	if c.closed {
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		c.log.Error("frame encode failed", "job_id", c.jobID, "event", event, "error", err)
		return
	}
	c.frameID++
	fmt.Fprintf(c.w, "id: %d\nevent: %s\ndata: %s\n\n", c.frameID, event, body)
	c.flusher.Flush()
}

// comment writes an SSE comment line, used for heartbeats.
func (c *conn) comment(text string) {
	if c.closed {
		return
	}
	fmt.Fprintf(c.w, ": %s\n\n", text)
	c.flusher.Flush()
}

// close tears the connection state down exactly once.
func (c *conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
}
