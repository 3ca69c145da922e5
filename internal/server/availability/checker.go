package availability

import (
	"context"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/scheduler"
	"github.com/dmitrijs2005/smartbin/internal/server/metrics"
)

// ProbeTimeout bounds a single store probe.
const ProbeTimeout = 3 * time.Second

// Pinger is the store probe, satisfied by repomanager.RepositoryManager.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker is the only writer of the Monitor.
type HealthChecker struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	logger   logging.Logger
}

func NewHealthChecker(m *Monitor, p Pinger, interval time.Duration, logger logging.Logger) *HealthChecker {
	return &HealthChecker{
		monitor:  m,
		pinger:   p,
		interval: interval,
		logger:   logger.With("module", "healthcheck"),
	}
}

// Probe pings the store once and publishes the result.
func (h *HealthChecker) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	err := h.pinger.Ping(pctx)
	cancel()

	online := err == nil
	if h.monitor.set(online) {
		metrics.SetStoreOnline(online)
		if online {
			h.logger.Info(ctx, "store reachable, switching to online mode")
		} else {
			h.logger.Warn(ctx, "store unreachable, switching to offline mode", "error", err)
		}
	}

	// a failed ping is a state, not a task failure
	return nil
}

// Run probes on every interval and on every Nudge until ctx is done.
func (h *HealthChecker) Run(ctx context.Context, s *scheduler.Scheduler) error {
	return s.Run(ctx, scheduler.Task{
		Name:       "healthcheck",
		Interval:   h.interval,
		Run:        h.Probe,
		Trigger:    h.monitor.Nudges(),
		RunAtStart: true,
	})
}
