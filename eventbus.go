package weft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/everydev1618/weft/registry"
)

// ThreadEvent is a thread lifecycle event.
type ThreadEvent struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Directive string    `json:"directive"`
	Timestamp time.Time `json:"timestamp"`

	// For completion events
	Result string `json:"result,omitempty"`

	// For failure events
	Error string `json:"error,omitempty"`

	// For suspension events
	Reason string `json:"reason,omitempty"`

	// For continuation events
	SuccessorID string `json:"continuation_thread_id,omitempty"`

	Cost registry.CostSnapshot `json:"cost"`
}

// EventType identifies the kind of event. Stop events are named after the
// status the thread stopped in.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = EventType(registry.StatusCompleted)
	EventFailed    EventType = EventType(registry.StatusError)
	EventSuspended EventType = EventType(registry.StatusSuspended)
	EventCancelled EventType = EventType(registry.StatusCancelled)
	EventContinued EventType = EventType(registry.StatusContinued)
)

// CallbackConfig says where lifecycle events are published outside the
// process.
type CallbackConfig struct {
	// Dir receives one JSON file per event.
	Dir string

	// URL receives each event as a JSON POST.
	URL string

	httpClient *http.Client
}

// NewCallbackConfig creates a callback config. Either field may be empty.
func NewCallbackConfig(dir, url string) *CallbackConfig {
	config := &CallbackConfig{
		Dir: dir,
		URL: url,
	}
	if url != "" {
		config.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return config
}

// WithCallbackDir writes every lifecycle event as a JSON file under dir.
//
// Example:
//
//	orch, err := weft.Open(ctx, cfg,
//	    weft.WithCallbackDir(".weft/events"),
//	)
func WithCallbackDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) {
		if len(dir) > 0 && dir[0] == '~' {
			if home, err := os.UserHomeDir(); err == nil {
				dir = filepath.Join(home, dir[1:])
			}
		}
		url := ""
		if o.events != nil {
			url = o.events.URL
		}
		o.events = NewCallbackConfig(dir, url)
	}
}

// WithCallbackURL posts every lifecycle event to url.
func WithCallbackURL(url string) OrchestratorOption {
	return func(o *Orchestrator) {
		dir := ""
		if o.events != nil {
			dir = o.events.Dir
		}
		o.events = NewCallbackConfig(dir, url)
	}
}

// PublishEvent delivers an event to every configured destination.
func PublishEvent(ctx context.Context, event ThreadEvent, config *CallbackConfig) error {
	if config == nil {
		return fmt.Errorf("no callback configuration")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if config.Dir != "" {
		if err := publishEventFile(event, config.Dir); err != nil {
			return err
		}
	}
	if config.URL != "" {
		return publishEventHTTP(ctx, event, config)
	}
	return nil
}

// publishEventFile writes an event to its own file.
func publishEventFile(event ThreadEvent, dir string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	filename := fmt.Sprintf("%s-%s-%d.event", event.ThreadID, event.Type, event.Timestamp.UnixNano())
	return writeFileAtomic(filepath.Join(dir, filename), data)
}

// publishEventHTTP sends an event via HTTP POST.
func publishEventHTTP(ctx context.Context, event ThreadEvent, config *CallbackConfig) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := config.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback failed: %s", resp.Status)
	}
	return nil
}

// OnThreadComplete registers a callback for threads that complete.
func (o *Orchestrator) OnThreadComplete(fn func(ThreadEvent)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onComplete = append(o.onComplete, fn)
}

// OnThreadFailed registers a callback for threads that stop in error.
func (o *Orchestrator) OnThreadFailed(fn func(ThreadEvent)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onFailed = append(o.onFailed, fn)
}

// OnThreadStarted registers a callback for threads that start or resume.
func (o *Orchestrator) OnThreadStarted(fn func(ThreadEvent)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onStarted = append(o.onStarted, fn)
}

// OnThreadEvent registers a callback for every lifecycle event.
func (o *Orchestrator) OnThreadEvent(fn func(ThreadEvent)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.onEvent = append(o.onEvent, fn)
}

// emit runs callbacks and publishes ev in the background. Shutdown waits
// for delivery.
func (o *Orchestrator) emit(ev ThreadEvent) {
	ev.Timestamp = o.now().UTC()

	o.callbackMu.RLock()
	callbacks := append([]func(ThreadEvent){}, o.onEvent...)
	switch ev.Type {
	case EventStarted:
		callbacks = append(callbacks, o.onStarted...)
	case EventCompleted:
		callbacks = append(callbacks, o.onComplete...)
	case EventFailed:
		callbacks = append(callbacks, o.onFailed...)
	}
	o.callbackMu.RUnlock()

	if len(callbacks) == 0 && o.events == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for _, fn := range callbacks {
			fn(ev)
		}
		if o.events == nil {
			return
		}
		if err := PublishEvent(context.Background(), ev, o.events); err != nil {
			o.logger.Warn("event publish failed", "thread_id", ev.ThreadID, "type", string(ev.Type), "error", err)
		}
	}()
}
