// Package ingest implements the upload orchestrator: it validates multipart
// uploads, stores the blob, creates the document and its first job in one
// transaction, and dispatches the job to the worker with a bounded deadline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/metrics"
	"github.com/pageflowhq/pageflow/internal/objstore"
	"github.com/pageflowhq/pageflow/internal/store"
	"github.com/pageflowhq/pageflow/internal/worker"
)

// UserHeader carries the authenticated user id, injected by the platform's
// auth layer in front of this service.
const UserHeader = "X-User-ID"

// Dispatcher hands an accepted upload to the worker pipeline. Both the NATS
// client and the in-process worker service satisfy it.
type Dispatcher interface {
	StartProcessing(ctx context.Context, req worker.StartRequest) (*worker.Accepted, error)
}

// UploadResponse is the body of both the 201 and the 202 reply. The two are
// distinguished by status code only.
type UploadResponse struct {
	DocumentID string    `json:"documentId"`
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Title      string    `json:"title"`
	StorageKey string    `json:"storageKey"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Handler serves the document upload and delete endpoints.
type Handler struct {
	store      store.Store
	storage    objstore.Storage
	dispatcher Dispatcher
	cfg        *config.Config
	log        *slog.Logger
}

// NewHandler wires the orchestrator's collaborators.
func NewHandler(st store.Store, storage objstore.Storage, d Dispatcher, cfg *config.Config) *Handler {
	return &Handler{
		store:      st,
		storage:    storage,
		dispatcher: d,
		cfg:        cfg,
		log:        logger.Component("ingest"),
	}
}

// Upload handles POST /documents/upload.
//
// Validation order is part of the contract: missing file, then title length,
// then empty payload, then media type, then size. Only after the blob is
// safely in object storage
// do any database rows appear, and a failed worker dispatch still answers 202
// with the created entities.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get(UserHeader)
	if ownerID == "" {
		errs.WriteHTTP(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.reject(w, http.StatusBadRequest, "missing_file", "multipart field 'file' is required")
		return
	}
	defer file.Close()

	title := strings.TrimSpace(r.FormValue("title"))
	if len(title) > h.cfg.MaxTitleLen {
		h.reject(w, http.StatusBadRequest, "title_too_long", "title exceeds maximum length")
		return
	}
	if title == "" {
		title = strings.TrimSpace(header.Filename)
	}

	if header.Size <= 0 {
		h.reject(w, http.StatusBadRequest, "missing_file", "uploaded file is empty")
		return
	}

	mimeType := declaredMediaType(header)
	if _, ok := config.AllowedMimeTypes[mimeType]; !ok {
		h.reject(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"media type is not allowed; allowed types: "+allowedTypesList())
		return
	}

	if header.Size > h.cfg.MaxUploadBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "payload_too_large",
			"file exceeds maximum size")
		return
	}

	body, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadBytes+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "missing_file", "could not read uploaded file")
		return
	}
	if int64(len(body)) > h.cfg.MaxUploadBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "payload_too_large",
			"file exceeds maximum size")
		return
	}

	key := objstore.BuildKey(header.Filename)
	if err := h.storage.Put(r.Context(), key, mimeType, body); err != nil {
		h.log.Error("object storage put failed", "key", key, "error", err)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		errs.WriteHTTPError(w, errs.New("ingest", "Upload", errs.KindUpstreamStorage, err).
			WithMessage("could not store uploaded file"))
		return
	}

	doc, job, err := h.store.CreateDocumentAndJob(r.Context(), store.CreateDocumentParams{
		OwnerID:    ownerID,
		Title:      title,
		StorageKey: key,
		MimeType:   mimeType,
		SizeBytes:  header.Size,
	})
	if err != nil {
		// The stored blob stays behind as accepted residue; a cleanup
		// sweep owns orphans, not the request path.
		h.log.Error("document create failed", "key", key, "error", err)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		errs.WriteHTTPError(w, errs.New("ingest", "Upload", errs.KindPersistence, err))
		return
	}

	resp := UploadResponse{
		DocumentID: doc.ID,
		JobID:      job.ID,
		Status:     string(job.Status),
		Title:      doc.Title,
		StorageKey: doc.StorageKey,
		Size:       doc.SizeBytes,
		MimeType:   doc.MimeType,
		CreatedAt:  doc.CreatedAt,
	}

	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.DispatchTimeout)
	defer cancel()

	accepted, err := h.dispatcher.StartProcessing(dispatchCtx, worker.StartRequest{
		DocumentID: doc.ID,
		OwnerID:    ownerID,
		StorageKey: key,
		MimeType:   mimeType,
	})
	if err != nil {
		h.log.Warn("dispatch failed, deferring processing",
			"document_id", doc.ID, "job_id", job.ID, "error", err)
		metrics.UploadsTotal.WithLabelValues("accepted").Inc()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	// The body reflects the row as created; the worker's accepted job id is
	// authoritative in case it adopted a different row.
	resp.JobID = accepted.JobID
	metrics.UploadsTotal.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusCreated, resp)
}

// Delete handles DELETE /documents/{documentId}. The document's jobs cascade
// in the store; the stored blob is removed best-effort afterwards.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get(UserHeader)
	if ownerID == "" {
		errs.WriteHTTP(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	documentID := mux.Vars(r)["documentId"]

	doc, err := h.store.DocumentByID(r.Context(), documentID, "")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errs.WriteHTTPError(w, errs.New("ingest", "Delete", errs.KindNotFound, err).
				WithMessage("document not found"))
			return
		}
		errs.WriteHTTPError(w, errs.New("ingest", "Delete", errs.KindPersistence, err))
		return
	}
	if doc.OwnerID != ownerID {
		errs.WriteHTTPError(w, errs.New("ingest", "Delete", errs.KindOwnership, nil))
		return
	}

	if err := h.store.DeleteDocument(r.Context(), documentID, ownerID); err != nil {
		errs.WriteHTTPError(w, errs.New("ingest", "Delete", errs.KindPersistence, err))
		return
	}

	if err := h.storage.Delete(r.Context(), doc.StorageKey); err != nil {
		h.log.Warn("blob delete failed", "key", doc.StorageKey, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// reject answers a client-side validation failure.
func (h *Handler) reject(w http.ResponseWriter, status int, code, message string) {
	metrics.UploadsTotal.WithLabelValues("rejected").Inc()
	errs.WriteHTTP(w, status, code, message)
}

// allowedTypesList renders the media-type allowlist for refusal messages.
func allowedTypesList() string {
	types := make([]string, 0, len(config.AllowedMimeTypes))
	for t := range config.AllowedMimeTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}

// declaredMediaType extracts the part's media type without parameters.
func declaredMediaType(header *multipart.FileHeader) string {
	ct := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return ct
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encode failed", "error", err)
	}
}
