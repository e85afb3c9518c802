package registry

// Status is a thread's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusContinued Status = "continued"
)

var transitions = map[Status][]Status{
	StatusCreated:   {StatusRunning, StatusCancelled, StatusError},
	StatusRunning:   {StatusCompleted, StatusError, StatusSuspended, StatusCancelled, StatusContinued},
	StatusSuspended: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible. Suspended is
// not terminal: it resumes.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusContinued:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusError,
		StatusSuspended, StatusCancelled, StatusContinued:
		return true
	}
	return false
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}
