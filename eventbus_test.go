package weft

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishEventRequiresConfig(t *testing.T) {
	assert.Error(t, PublishEvent(context.Background(), ThreadEvent{}, nil))
}

func TestPublishEventToDir(t *testing.T) {
	dir := t.TempDir()
	ev := ThreadEvent{Type: EventCompleted, ThreadID: "t1", Directive: "review", Result: "ok"}
	require.NoError(t, PublishEvent(context.Background(), ev, NewCallbackConfig(dir, "")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasPrefix(name, "t1-completed-"), name)
	assert.True(t, strings.HasSuffix(name, ".event"), name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	var got ThreadEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ok", got.Result)
	assert.False(t, got.Timestamp.IsZero(), "the timestamp is filled in")
}

func TestPublishEventHTTP(t *testing.T) {
	bodies := make(chan ThreadEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		var ev ThreadEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			bodies <- ev
		}
		if ev.Type == EventFailed {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	config := &CallbackConfig{
		URL:        srv.URL,
		httpClient: &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}},
	}

	require.NoError(t, PublishEvent(context.Background(), ThreadEvent{Type: EventSuspended, ThreadID: "t1", Reason: "turns"}, config))
	got := <-bodies
	assert.Equal(t, EventSuspended, got.Type)
	assert.Equal(t, "turns", got.Reason)

	err := PublishEvent(context.Background(), ThreadEvent{Type: EventFailed, ThreadID: "t2"}, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback failed")
	<-bodies
}

func TestCallbackOptionsCompose(t *testing.T) {
	o := &Orchestrator{}
	WithCallbackURL("http://example.invalid/hook")(o)
	WithCallbackDir("/tmp/events")(o)
	require.NotNil(t, o.events)
	assert.Equal(t, "/tmp/events", o.events.Dir)
	assert.Equal(t, "http://example.invalid/hook", o.events.URL)
}
