package consent

import (
	"context"
	"time"
)

// MaintenanceReport counts what one maintenance pass changed.
type MaintenanceReport struct {
	Decayed int `json:"decayed"`
	Purged  int `json:"purged"`
	Pruned  int `json:"pruned"`
}

// Maintain decays idle sessions, purges stuck pending requests and prunes
// expired remembered decisions.
func (o *Orchestrator) Maintain(now time.Time) MaintenanceReport {
	r := MaintenanceReport{
		Decayed: o.sessions.Decay(now),
		Purged:  o.pending.PurgeStale(now),
		Pruned:  o.remembered.Prune(now),
	}
	if r.Decayed+r.Purged+r.Pruned > 0 {
		o.logger.Debug("consent: maintenance", "decayed", r.Decayed, "purged", r.Purged, "pruned", r.Pruned)
	}
	return r
}

// Run calls Maintain on every tick until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	t := time.NewTicker(o.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Maintain(o.now())
		}
	}
}
