package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 400*time.Millisecond, cfg.PageDelay)
	assert.Equal(t, 12, cfg.SimulatedPages)
	assert.Equal(t, 10*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 25*time.Second, cfg.Heartbeat)
	assert.Equal(t, 5*time.Minute, cfg.StreamLifetime)
	assert.Equal(t, 3000, cfg.SSERetryMillis)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 500, cfg.MaxTitleLen)
	assert.Equal(t, 64, cfg.SubscriberBuffer)
	assert.Equal(t, 3*time.Second, cfg.HealthTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAGE_DELAY", "10ms")
	t.Setenv("SIMULATED_PAGES", "3")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("S3_USE_PATH_STYLE", "false")

	cfg := Load()

	assert.Equal(t, 10*time.Millisecond, cfg.PageDelay)
	assert.Equal(t, 3, cfg.SimulatedPages)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.False(t, cfg.S3UsePathStyle)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SIMULATED_PAGES", "not-a-number")
	t.Setenv("PAGE_DELAY", "soon")

	cfg := Load()

	assert.Equal(t, DefaultSimulatedPages, cfg.SimulatedPages)
	assert.Equal(t, DefaultPageDelay, cfg.PageDelay)
}

func TestAllowedMimeTypes(t *testing.T) {
	for _, mt := range []string{"application/pdf", "image/png", "image/jpeg", "image/webp"} {
		_, ok := AllowedMimeTypes[mt]
		assert.True(t, ok, mt)
	}
	_, ok := AllowedMimeTypes["text/plain"]
	assert.False(t, ok)
}
