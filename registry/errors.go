package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Standard registry errors.
var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrThreadExists      = errors.New("thread already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSpawnLimit        = errors.New("spawn limit reached")
	ErrContinuationSet   = errors.New("continuation already set")
	ErrChainCycle        = errors.New("continuation chain cycle")
	ErrOwnerMismatch     = errors.New("thread owned by another process")
	ErrWatchUnavailable  = errors.New("registry watch unavailable")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	ThreadID string
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("thread %s: %v: %s -> %s", e.ThreadID, ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// SpawnLimitError reports a parent that has used all of its spawns.
type SpawnLimitError struct {
	ParentID string
	Limit    int
}

func (e *SpawnLimitError) Error() string {
	return fmt.Sprintf("thread %s: %v (%d)", e.ParentID, ErrSpawnLimit, e.Limit)
}

func (e *SpawnLimitError) Is(target error) bool {
	return target == ErrSpawnLimit
}

// ChainResolutionError is raised when walking a continuation chain revisits
// a thread.
type ChainResolutionError struct {
	ThreadID string
	Path     []string
}

func (e *ChainResolutionError) Error() string {
	return fmt.Sprintf("resolve chain of %s: %v: %s", e.ThreadID, ErrChainCycle, strings.Join(e.Path, " -> "))
}

func (e *ChainResolutionError) Is(target error) bool {
	return target == ErrChainCycle
}

type notFoundError struct {
	id string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrThreadNotFound, e.id)
}

func (e *notFoundError) Is(target error) bool {
	return target == ErrThreadNotFound
}
