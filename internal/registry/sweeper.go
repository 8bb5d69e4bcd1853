package registry

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper wraps a gocron scheduler dedicated to the registry's periodic
// offline-detection pass — a single recurring job with no per-item
// fan-out.
type Sweeper struct {
	cron     gocron.Scheduler
	registry *Registry
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper bound to registry, ticking every interval.
func NewSweeper(registry *Registry, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("registry: failed to create sweeper scheduler: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sweeper := &Sweeper{cron: s, registry: registry, logger: logger.Named("sweeper")}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			sweeper.registry.sweepOnce()
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to schedule sweeper job: %w", err)
	}

	return sweeper, nil
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop gracefully shuts the sweep loop down, waiting for any in-flight sweep
// to complete.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("registry: sweeper shutdown: %w", err)
	}
	s.logger.Info("sweeper stopped")
	return nil
}
