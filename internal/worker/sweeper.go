package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StaleMarker pauses unfinished jobs that stopped making progress.
type StaleMarker interface {
	MarkStale(ctx context.Context, updatedBefore time.Time, exclude []string) ([]string, error)
}

// LeaseHolder reports the jobs this process is running right now.
type LeaseHolder interface {
	HeldIDs() []string
}

type SweeperConfig struct {
	StaleAfter time.Duration
	Interval   time.Duration
}

// Sweeper pauses pending or running jobs whose row has not been touched for
// StaleAfter and that no goroutine in this process holds. Those were owned
// by a process that died; pausing them makes them resumable.
type Sweeper struct {
	jobs   StaleMarker
	leases LeaseHolder
	cfg    SweeperConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewSweeper(jobs StaleMarker, leases LeaseHolder, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		jobs:   jobs,
		leases: leases,
		cfg:    cfg,
		logger: logger.With().Str("component", "stale_sweeper").Logger(),
		now:    time.Now,
	}
}

// Start sweeps once, then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info().
		Dur("stale_after", s.cfg.StaleAfter).
		Dur("interval", s.cfg.Interval).
		Msg("stale job sweeper started")

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("stale job sweep failed")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("stale job sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("stale job sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns the ids it paused.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	paused, err := s.jobs.MarkStale(ctx, cutoff, s.leases.HeldIDs())
	if err != nil {
		return nil, errors.Wrap(err, "mark stale jobs")
	}
	for _, id := range paused {
		s.logger.Warn().Str("job_id", id).Time("cutoff", cutoff).Msg("paused stale sync job")
	}
	return paused, nil
}
