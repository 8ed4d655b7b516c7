package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"winedispense-backend/config"
	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/metrics"
)

// limiterIdle is how long a client must be quiet before its rate-limit bucket is dropped.
const limiterIdle = 10 * time.Minute

// Store is the persistence the maintenance jobs need.
type Store interface {
	MarkStaleTerminals(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseRFIDLimits(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper drops idle rate-limit buckets.
type Sweeper interface {
	Sweep(idle time.Duration) int
}

// Service runs the periodic maintenance jobs.
type Service struct {
	cfg     *config.Config
	store   Store
	limiter Sweeper
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a housekeeping service. limiter may be nil.
func NewService(cfg *config.Config, store Store, limiter Sweeper, log *logger.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one pass immediately, then follows the configured cron
// schedule until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Housekeeping.Enabled {
		s.log.Info(ctx, "housekeeping is disabled, not starting")
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Housekeeping.Schedule, func() { _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", s.cfg.Housekeeping.Schedule, err)
	}

	s.log.Event(ctx, zerolog.InfoLevel).Str("schedule", s.cfg.Housekeeping.Schedule).Msg("starting housekeeping")
	_ = s.RunOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info(ctx, "housekeeping shutting down")
	return nil
}

// RunOnce performs every job once. A failing job does not stop the others;
// the returned error combines all failures.
func (s *Service) RunOnce(ctx context.Context) error {
	now := s.now()

	err := s.job(ctx, "mark_stale_terminals", func() (int64, error) {
		return s.store.MarkStaleTerminals(ctx, now.Add(-s.cfg.Terminal.HeartbeatTimeout))
	})
	err = multierr.Append(err, s.job(ctx, "release_rfid_limits", func() (int64, error) {
		return s.store.ReleaseRFIDLimits(ctx, now.Add(-s.cfg.RFID.LimitWindow))
	}))
	if s.limiter != nil {
		err = multierr.Append(err, s.job(ctx, "sweep_rate_limiter", func() (int64, error) {
			return int64(s.limiter.Sweep(limiterIdle)), nil
		}))
	}
	return err
}

func (s *Service) job(ctx context.Context, name string, fn func() (int64, error)) error {
	ctx = s.log.WithField(ctx, "job", name)
	start := time.Now()
	affected, err := fn()
	s.metrics.ObserveJob(name, time.Since(start), err)
	if err != nil {
		s.log.Error(ctx, "housekeeping job failed", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	if affected > 0 {
		s.log.Event(ctx, zerolog.InfoLevel).Int64("affected", affected).Msg("housekeeping job done")
	}
	return nil
}
