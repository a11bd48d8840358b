// Package sweeper runs the periodic stale-session garbage collection.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/logging"
	"warden/internal/observability"
	observer "warden/internal/observer/app"
)

// Sweeper periodically deletes sessions idle past the threshold. Sessions
// with a live consumer are left alone; their own idle timeout handles them.
type Sweeper struct {
	cron      *cron.Cron
	manager   *observer.Manager
	interval  time.Duration
	threshold time.Duration
	logger    logging.Logger
}

// New creates a sweeper running every interval with the given staleness
// threshold.
func New(manager *observer.Manager, interval, threshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = observer.DefaultStaleThreshold
	}
	return &Sweeper{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		manager:   manager,
		interval:  interval,
		threshold: threshold,
		logger:    logging.NewComponentLogger("Sweeper"),
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("scheduling stale-session sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("Stale-session sweep scheduled %s (threshold %s)", spec, s.threshold)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Gave up waiting for in-flight sweep")
	}
}

func (s *Sweeper) run() {
	observability.StaleSweepsTotal.Inc()
	cleaned, err := s.manager.CleanupStale(context.Background(), s.threshold, false)
	if err != nil {
		s.logger.Error("Stale-session sweep failed: %v", err)
		return
	}
	if cleaned > 0 {
		s.logger.Info("Stale-session sweep deleted %d sessions", cleaned)
	}
}
