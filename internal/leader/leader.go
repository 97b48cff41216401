// Package leader implements spec.md §4.4's expiring-row leader election:
// exactly one node runs the scheduler/pruner/lifeline plugins at a time,
// decided by a periodically renewed claim on a single row in
// oban_leaders.
package leader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"jobengine/internal/store"
	"jobengine/internal/telemetry"
)

// Elector periodically attempts to claim (or renew) leadership of a named
// role and exposes the current holding state via IsLeader.
type Elector struct {
	store *store.Store
	name  string
	node  string
	lease time.Duration
	renew time.Duration

	held atomic.Bool
	log  *slog.Logger
}

// New builds an Elector for the given role name. node identifies this
// process in the oban_leaders row; lease is how long a claim survives
// without renewal; renew is how often Run attempts to (re)claim.
func New(st *store.Store, name, node string, lease, renew time.Duration) *Elector {
	return &Elector{
		store: st,
		name:  name,
		node:  node,
		lease: lease,
		renew: renew,
		log:   slog.With("component", "leader", "role", name, "node", node),
	}
}

// IsLeader reports whether this node currently holds the claim, as of the
// most recent renewal attempt.
func (e *Elector) IsLeader() bool {
	return e.held.Load()
}

// Run attempts to claim leadership immediately, then on every renew
// interval, until ctx is cancelled. It releases the claim on a clean
// shutdown so a follower doesn't wait out the full lease.
func (e *Elector) Run(ctx context.Context) {
	e.attempt(ctx)

	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.held.Load() {
				release(e.store, e.name, e.node)
			}
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Elector) attempt(ctx context.Context) {
	held, err := e.store.ClaimLeadership(ctx, e.name, e.node, e.lease)
	if err != nil {
		e.log.Warn("leadership claim failed", "error", err)
		return
	}

	was := e.held.Swap(held)
	if held {
		telemetry.LeaderHeld.Set(1)
		if !was {
			e.log.Info("acquired leadership")
		}
	} else {
		telemetry.LeaderHeld.Set(0)
		if was {
			e.log.Info("lost leadership")
		}
	}
}

func release(st *store.Store, name, node string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = st.ReleaseLeadership(ctx, name, node)
	telemetry.LeaderHeld.Set(0)
}
