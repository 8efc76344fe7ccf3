package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextualError_Error(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("ingest", "Upload", KindUpstreamStorage, cause)

	assert.Equal(t, "[ingest] Upload (upstream_storage): connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestContextualError_ClientMessageNeverLeaksCause(t *testing.T) {
	err := New("store", "CreateDocumentAndJob", KindPersistence,
		errors.New("pq: duplicate key value violates unique constraint"))

	assert.Equal(t, "internal server error", err.ClientMessage())
	assert.NotContains(t, err.ClientMessage(), "duplicate key")
}

func TestContextualError_WithMessage(t *testing.T) {
	err := New("ingest", "Upload", KindValidation, nil).
		WithMessage("file field is required")

	assert.Equal(t, "file field is required", err.ClientMessage())
	assert.Contains(t, err.Error(), "file field is required")
}

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindOwnership.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindUpstreamStorage.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindPersistence.HTTPStatus())
}

func TestKindOf(t *testing.T) {
	err := New("worker", "StartProcessing", KindNotFound, nil)
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, KindPersistence, KindOf(errors.New("bare")))
}
