// Package objstore abstracts the external object storage holding uploaded
// document blobs. The rest of the platform treats blobs as opaque and only
// keeps the storage key.
package objstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage is the object storage contract used by the ingest orchestrator.
type Storage interface {
	// Put uploads body under key with the given content type.
	Put(ctx context.Context, key, contentType string, body []byte) error

	// Delete removes the object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// BuildKey derives the storage key for an uploaded file:
// {year}/{uuid}-{sanitized-filename}. The year prefix keeps bucket listings
// shardable; the uuid prevents collisions between same-named uploads.
func BuildKey(filename string) string {
	return fmt.Sprintf("%d/%s-%s", time.Now().UTC().Year(), uuid.NewString(), SanitizeFilename(filename))
}

// SanitizeFilename reduces a client-supplied filename to a safe key
// component: base name only, lowercase, with anything outside [a-z0-9._-]
// collapsed to a dash.
func SanitizeFilename(name string) string {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "upload"
	}
	return out
}
