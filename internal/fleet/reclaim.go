package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/mvallis/fleetgate/internal/schedule"
)

// StartReclaimer runs the empty-pool reclamation sweep on the configured
// schedule until the context is cancelled. Sweep errors are its own problem;
// no caller is waiting on it.
func (m *Manager) StartReclaimer(ctx context.Context) {
	sched, err := schedule.Parse(m.cfg.ReclaimSchedule)
	if err != nil {
		slog.Error("invalid reclaim schedule, sweep disabled", "schedule", m.cfg.ReclaimSchedule, "error", err)
		return
	}

	slog.Info("pool reclaimer started", "schedule", sched.Describe())

	for {
		next := sched.Next(time.Now())
		if next == nil {
			slog.Error("reclaim schedule produced no next run, sweep stopped")
			return
		}

		timer := time.NewTimer(time.Until(*next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("pool reclaimer stopped")
			return
		case <-timer.C:
			m.RemoveEmptyPools()
		}
	}
}
