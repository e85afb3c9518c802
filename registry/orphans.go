package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/everydev1618/weft/internal/sqlitedb"
)

// Owner identifies the process driving a thread.
type Owner struct {
	PID  int    `json:"pid"`
	Host string `json:"host,omitempty"`
}

// CurrentOwner describes this process.
func CurrentOwner() Owner {
	host, _ := os.Hostname()
	return Owner{PID: os.Getpid(), Host: host}
}

func (o Owner) String() string {
	if o.Host == "" {
		return fmt.Sprintf("pid %d", o.PID)
	}
	return fmt.Sprintf("pid %d@%s", o.PID, o.Host)
}

// Liveness is the result of probing an owner.
type Liveness int

const (
	// LivenessUnknown means the probe could not decide, for example the
	// signal was refused or the owner runs on another host.
	LivenessUnknown Liveness = iota
	LivenessAlive
	LivenessDead
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessDead:
		return "dead"
	default:
		return "unknown"
	}
}

// LivenessProbe decides whether an owner process still exists.
type LivenessProbe interface {
	Probe(Owner) Liveness
}

// ProcessProbe probes local processes with signal 0.
type ProcessProbe struct {
	// Host is this machine's hostname. Owners on other hosts are unknown.
	Host string
}

// Probe implements LivenessProbe.
func (p ProcessProbe) Probe(o Owner) Liveness {
	if o.PID <= 0 {
		return LivenessUnknown
	}
	if o.Host != "" && p.Host != "" && o.Host != p.Host {
		return LivenessUnknown
	}
	proc, err := os.FindProcess(o.PID)
	if err != nil {
		return LivenessDead
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return LivenessAlive
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return LivenessDead
	default:
		// EPERM: the process exists but belongs to someone else, or the
		// pid was recycled. Either way it is not safe to call it dead.
		return LivenessUnknown
	}
}

// Orphan is a running thread whose owner is not the caller and is not
// known to be alive.
type Orphan struct {
	Thread   Thread   `json:"thread"`
	Liveness Liveness `json:"liveness"`
}

// OrphanReport partitions orphans by how sure the probe was.
type OrphanReport struct {
	// Confirmed owners are definitely gone.
	Confirmed []Orphan `json:"confirmed"`
	// Uncertain owners could not be probed; they need an operator.
	Uncertain []Orphan `json:"uncertain"`
}

// FindOrphans lists running threads not owned by self and probes their
// owners. Alive owners are skipped.
func (r *Registry) FindOrphans(ctx context.Context, self Owner, probe LivenessProbe) (OrphanReport, error) {
	var report OrphanReport
	running, err := r.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return report, err
	}
	for _, t := range running {
		if t.Owner == self {
			continue
		}
		switch l := probe.Probe(t.Owner); l {
		case LivenessAlive:
		case LivenessDead:
			report.Confirmed = append(report.Confirmed, Orphan{Thread: t, Liveness: l})
		default:
			report.Uncertain = append(report.Uncertain, Orphan{Thread: t, Liveness: LivenessUnknown})
		}
	}
	if n := len(report.Confirmed) + len(report.Uncertain); n > 0 {
		r.logger.Warn("orphaned threads found", "confirmed", len(report.Confirmed), "uncertain", len(report.Uncertain))
	}
	return report, nil
}

// Claim takes over a running thread from a previous owner and parks it as
// suspended, ready to be resumed by the new owner. It fails if the thread
// changed hands or status since it was scanned.
func (r *Registry) Claim(ctx context.Context, id string, from, to Owner) error {
	now := r.now()
	return sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := getThread(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Owner != from {
			return fmt.Errorf("claim %s: %w (%s)", id, ErrOwnerMismatch, t.Owner)
		}
		if err := transitionTx(ctx, tx, id, StatusSuspended, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE threads SET owner_pid = ?, owner_host = ? WHERE thread_id = ?`,
			to.PID, to.Host, id)
		return err
	})
}
