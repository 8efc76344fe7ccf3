package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/domain"
	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/store"
	"github.com/pageflowhq/pageflow/internal/testutil"
)

func streamConfig() *config.Config {
	return &config.Config{
		Heartbeat:      config.DefaultHeartbeat,
		StreamLifetime: config.DefaultStreamLifetime,
		SSERetryMillis: config.DefaultSSERetryMillis,
	}
}

func newStreamServer(t *testing.T, st store.Store, bus events.Bus, cfg *config.Config) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/documents/{jobId}/progress", NewHandler(st, bus, cfg).Progress)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func seedJob(t *testing.T, st store.Store) (*domain.Document, *domain.Job) {
	t.Helper()
	doc, job, err := st.CreateDocumentAndJob(context.Background(), store.CreateDocumentParams{
		OwnerID:    "u1",
		Title:      "Notes",
		StorageKey: "2026/abc-notes.pdf",
		MimeType:   "application/pdf",
		SizeBytes:  1024,
	})
	require.NoError(t, err)
	return doc, job
}

// chunk is one parsed SSE block: either a comment or an id/event/data frame.
type chunk struct {
	comment string
	id      string
	event   string
	data    string
	retry   string
}

// readChunk parses the next blank-line-delimited block from the stream.
func readChunk(t *testing.T, br *bufio.Reader) (chunk, bool) {
	t.Helper()
	var c chunk
	seen := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return c, seen && line == ""
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if seen {
				return c, true
			}
			continue
		}
		seen = true
		switch {
		case strings.HasPrefix(line, ": "):
			c.comment = strings.TrimPrefix(line, ": ")
		case strings.HasPrefix(line, "retry: "):
			c.retry = strings.TrimPrefix(line, "retry: ")
		case strings.HasPrefix(line, "id: "):
			c.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			c.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			c.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func decodeFrame(t *testing.T, c chunk) progressFrame {
	t.Helper()
	var f progressFrame
	require.NoError(t, json.Unmarshal([]byte(c.data), &f))
	return f
}

func openStream(t *testing.T, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestProgress_UnknownJob(t *testing.T) {
	srv := newStreamServer(t, store.NewMemory(), events.NewMemoryBus(64), streamConfig())

	resp, err := http.Get(srv.URL + "/documents/nope/progress")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body errs.HTTPBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusNotFound, body.StatusCode)
	assert.Equal(t, "not_found", body.Error)
}

func TestProgress_TerminalOnOpen(t *testing.T) {
	st := store.NewMemory()
	bus := events.NewMemoryBus(64)
	_, job := seedJob(t, st)
	require.NoError(t, st.TransitionJob(context.Background(), job.ID, store.JobPatch{
		Status:   testutil.Ptr(domain.JobCompleted),
		Progress: testutil.Ptr(100),
	}))
	srv := newStreamServer(t, st, bus, streamConfig())

	resp, br := openStream(t, srv.URL+"/documents/"+job.ID+"/progress")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	first, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "3000", first.retry)

	snap, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "1", snap.id)
	assert.Equal(t, "progress", snap.event)
	frame := decodeFrame(t, snap)
	assert.Equal(t, "COMPLETED", frame.Stage)
	assert.Equal(t, 100, frame.Percent)
	assert.Equal(t, "Processing completed successfully", frame.Message)

	// Stream ends right after the snapshot.
	_, ok = readChunk(t, br)
	assert.False(t, ok)

	assert.Equal(t, 0, bus.SubscriberCount(domain.ProgressChannel(job.ID)),
		"no subscription is held for a terminal job")
}

func TestProgress_SnapshotThenLive(t *testing.T) {
	st := store.NewMemory()
	bus := events.NewMemoryBus(64)
	doc, job := seedJob(t, st)
	srv := newStreamServer(t, st, bus, streamConfig())

	_, br := openStream(t, srv.URL+"/documents/"+job.ID+"/progress")

	retry, ok := readChunk(t, br)
	require.True(t, ok)
	require.Equal(t, "3000", retry.retry)

	snap, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "1", snap.id)
	frame := decodeFrame(t, snap)
	assert.Equal(t, "PENDING", frame.Stage)
	assert.Equal(t, 0, frame.Percent)
	assert.Equal(t, "Job is queued for processing", frame.Message)

	// The retry line is only written after the subscription is attached, so
	// publishing now is safe.
	publish := func(evt domain.ProgressEvent) {
		evt.JobID = job.ID
		evt.DocumentID = doc.ID
		evt.PublishedAt = time.Now().UTC()
		n, err := bus.Publish(context.Background(), domain.ProgressChannel(job.ID), evt)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	publish(domain.ProgressEvent{
		Status: domain.JobRunning, Progress: 32,
		Message: "Processing page 1 of 3", CurrentPage: 1, TotalPages: 3,
	})
	publish(domain.ProgressEvent{
		Status: domain.JobCompleted, Progress: 100,
		Message: "Processing complete — 3 pages extracted", CurrentPage: 3, TotalPages: 3,
	})

	second, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "2", second.id)
	assert.Equal(t, "progress", second.event)
	live := decodeFrame(t, second)
	assert.Equal(t, 32, live.Percent)
	assert.Equal(t, "RUNNING", live.Stage)
	assert.Equal(t, 1, live.CurrentPage)

	third, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "3", third.id)
	final := decodeFrame(t, third)
	assert.Equal(t, "COMPLETED", final.Stage)

	_, ok = readChunk(t, br)
	assert.False(t, ok, "stream closes after the terminal frame")
}

func TestProgress_Heartbeat(t *testing.T) {
	st := store.NewMemory()
	bus := events.NewMemoryBus(64)
	_, job := seedJob(t, st)
	cfg := streamConfig()
	cfg.Heartbeat = 20 * time.Millisecond
	srv := newStreamServer(t, st, bus, cfg)

	_, br := openStream(t, srv.URL+"/documents/"+job.ID+"/progress")

	readChunk(t, br) // retry
	readChunk(t, br) // snapshot

	beat, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "heartbeat", beat.comment)
}

func TestProgress_LifetimeTimeout(t *testing.T) {
	st := store.NewMemory()
	bus := events.NewMemoryBus(64)
	_, job := seedJob(t, st)
	cfg := streamConfig()
	cfg.StreamLifetime = 50 * time.Millisecond
	srv := newStreamServer(t, st, bus, cfg)

	_, br := openStream(t, srv.URL+"/documents/"+job.ID+"/progress")

	readChunk(t, br) // retry
	readChunk(t, br) // snapshot

	timeout, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "timeout", timeout.event)
	var notice timeoutFrame
	require.NoError(t, json.Unmarshal([]byte(timeout.data), &notice))
	assert.Equal(t, job.ID, notice.JobID)
	assert.Contains(t, notice.Message, "Stream timed out")

	_, ok = readChunk(t, br)
	assert.False(t, ok)
}

// brokenBus hands out a subscription the test can kill with a cause.
type brokenBus struct {
	sub *brokenSub
}

type brokenSub struct {
	ch  chan []byte
	err error
}

func (b *brokenBus) Publish(ctx context.Context, channel string, payload any) (int, error) {
	return 0, nil
}

func (b *brokenBus) Subscribe(ctx context.Context, channel string) (events.Subscription, error) {
	return b.sub, nil
}

func (b *brokenBus) Close() error { return nil }

func (s *brokenSub) Events() <-chan []byte { return s.ch }
func (s *brokenSub) Err() error            { return s.err }
func (s *brokenSub) Unsubscribe()          {}

func TestProgress_UpstreamFailureEmitsErrorFrame(t *testing.T) {
	st := store.NewMemory()
	_, job := seedJob(t, st)
	sub := &brokenSub{ch: make(chan []byte)}
	srv := newStreamServer(t, st, &brokenBus{sub: sub}, streamConfig())

	_, br := openStream(t, srv.URL+"/documents/"+job.ID+"/progress")

	readChunk(t, br) // retry
	readChunk(t, br) // snapshot

	sub.err = events.ErrSlowConsumer
	close(sub.ch)

	errChunk, ok := readChunk(t, br)
	require.True(t, ok)
	assert.Equal(t, "error", errChunk.event)
	var failure errorFrame
	require.NoError(t, json.Unmarshal([]byte(errChunk.data), &failure))
	assert.Equal(t, "FAILED", failure.Stage)
	assert.Equal(t, 0, failure.Percent)
	assert.Contains(t, failure.Message, "Stream error")

	_, ok = readChunk(t, br)
	assert.False(t, ok)
}

func TestProgress_ClientDisconnectUnsubscribes(t *testing.T) {
	st := store.NewMemory()
	bus := events.NewMemoryBus(64)
	_, job := seedJob(t, st)
	srv := newStreamServer(t, st, bus, streamConfig())

	resp, br := openStream(t, srv.URL+"/documents/"+job.ID+"/progress")
	readChunk(t, br) // retry
	readChunk(t, br) // snapshot
	require.Equal(t, 1, bus.SubscriberCount(domain.ProgressChannel(job.ID)))

	require.NoError(t, resp.Body.Close())

	assert.Eventually(t, func() bool {
		return bus.SubscriberCount(domain.ProgressChannel(job.ID)) == 0
	}, 2*time.Second, 10*time.Millisecond, "teardown detaches the subscription")
}
