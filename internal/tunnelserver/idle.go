package tunnelserver

import (
	"context"
	"time"

	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/tunnel"
)

// runIdleMonitor sweeps the registry every SweepInterval, reaping any
// tunnel whose lastActive exceeds IdleTimeout and that is not currently
// Online (Online tunnels get lastActive heartbeat-refreshed by the sweep
// itself), per spec.md §4.7.
func (s *Server) runIdleMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

func (s *Server) sweepIdle() {
	now := time.Now()
	var stale []string
	s.registry.Sweep(func(sub string, info *tunnel.Info) {
		if info.State() == tunnel.Online {
			return
		}
		if now.Sub(info.LastActive()) > s.cfg.IdleTimeout {
			stale = append(stale, sub)
		}
	})
	for _, sub := range stale {
		s.log.Info("reaping idle tunnel", "subdomain", sub, "idle_timeout", s.cfg.IdleTimeout)
		s.registry.Reap(sub, metrics.ReasonIdle)
	}
}
