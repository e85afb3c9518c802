package weft

import (
	"context"
	"fmt"

	"github.com/everydev1618/weft/registry"
)

// OrphanCandidate is a running thread whose owner is gone or unreachable.
type OrphanCandidate struct {
	Thread        registry.Thread   `json:"thread"`
	Liveness      registry.Liveness `json:"liveness"`
	HasCheckpoint bool              `json:"has_checkpoint"`

	// Recoverable is set only for confirmed orphans with a checkpoint.
	// Everything else needs an operator's decision.
	Recoverable bool `json:"recoverable"`
}

// ScanOrphans finds running threads owned by dead or unprobeable
// processes. It changes nothing.
func (o *Orchestrator) ScanOrphans(ctx context.Context) ([]OrphanCandidate, error) {
	report, err := o.registry.FindOrphans(ctx, o.owner, o.probe)
	if err != nil {
		return nil, err
	}
	var out []OrphanCandidate
	add := func(orphans []registry.Orphan) {
		for _, orphan := range orphans {
			c := OrphanCandidate{
				Thread:        orphan.Thread,
				Liveness:      orphan.Liveness,
				HasCheckpoint: o.store.Exists(orphan.Thread.ID),
			}
			c.Recoverable = c.Liveness == registry.LivenessDead && c.HasCheckpoint
			out = append(out, c)
		}
	}
	add(report.Confirmed)
	add(report.Uncertain)
	return out, nil
}

// RecoverOrphan takes over a confirmed orphan and resumes it from its last
// checkpoint. Threads whose owner might still be alive, or that have no
// checkpoint, are refused with ErrNotRecoverable.
func (o *Orchestrator) RecoverOrphan(ctx context.Context, id string, opts ResumeOptions) error {
	candidates, err := o.ScanOrphans(ctx)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.Thread.ID != id {
			continue
		}
		if !c.Recoverable {
			return fmt.Errorf("%w: %s (owner %s is %s, checkpoint %t)",
				ErrNotRecoverable, id, c.Thread.Owner, c.Liveness, c.HasCheckpoint)
		}
		if err := o.registry.Claim(ctx, id, c.Thread.Owner, o.owner); err != nil {
			return err
		}
		o.logger.Warn("recovering orphaned thread", "thread_id", id, "previous_owner", c.Thread.Owner.String())
		return o.Resume(ctx, id, opts)
	}
	return fmt.Errorf("%w: %s", ErrNotRecoverable, id)
}
