package weft

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/everydev1618/weft/llm"
)

// CheckpointTrigger names the point in the turn loop a checkpoint was taken.
type CheckpointTrigger string

const (
	TriggerSpawn     CheckpointTrigger = "spawn"
	TriggerPreTurn   CheckpointTrigger = "pre_turn"
	TriggerPostLLM   CheckpointTrigger = "post_llm"
	TriggerPostTools CheckpointTrigger = "post_tools"
	TriggerRetryWait CheckpointTrigger = "retry_wait"
	TriggerFinal     CheckpointTrigger = "final"
)

// Checkpoint is everything needed to resume a thread.
type Checkpoint struct {
	ThreadID     string         `json:"thread_id"`
	ParentID     string         `json:"parent_id,omitempty"`
	Directive    Directive      `json:"directive"`
	UserHooks    []Hook         `json:"user_hooks,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Limits       Limits         `json:"limits"`

	Turn     int           `json:"turn"`
	Messages []llm.Message `json:"messages"`
	Cost     Cost          `json:"cost"`

	// AboveThreshold is the context-ratio hysteresis state.
	AboveThreshold bool `json:"above_threshold,omitempty"`

	// RetryAttempt is set while the thread sleeps before a retry.
	RetryAttempt int `json:"retry_attempt,omitempty"`

	// Unbilled is spend the ledger refused, charged on resume.
	Unbilled float64 `json:"unbilled,omitempty"`

	Trigger CheckpointTrigger `json:"trigger"`
	SavedAt time.Time         `json:"saved_at"`
}

// StateStore keeps one checkpoint file per thread under
// <dir>/<thread_id>/state.json.
type StateStore struct {
	dir string
}

// NewStateStore creates the root directory if needed.
func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *StateStore) Dir() string {
	return s.dir
}

// ThreadDir returns the directory holding a thread's files.
func (s *StateStore) ThreadDir(threadID string) string {
	return filepath.Join(s.dir, threadID)
}

func (s *StateStore) statePath(threadID string) string {
	return filepath.Join(s.ThreadDir(threadID), "state.json")
}

// Save writes cp atomically: readers see either the previous checkpoint or
// this one, never a torn file.
func (s *StateStore) Save(cp *Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("checkpoint without thread id")
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.statePath(cp.ThreadID), data)
}

// Load reads a thread's checkpoint. It returns ErrNoCheckpoint when none
// was written.
func (s *StateStore) Load(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.statePath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, threadID)
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

// Exists reports whether a checkpoint file is present.
func (s *StateStore) Exists(threadID string) bool {
	_, err := os.Stat(s.statePath(threadID))
	return err == nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
