// Package scheduler runs periodic maintenance: refreshing the store gauges
// and, when a retention is configured, purging old auth codes.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
)

const jobTimeout = 30 * time.Second

// Store is the part of the store the maintenance jobs use.
type Store interface {
	Stats(ctx context.Context, now time.Time) (models.StoreStats, error)
	PurgeAuthCodes(ctx context.Context, expiredBefore time.Time) (int64, error)
}

type Config struct {
	GaugesInterval time.Duration
	// CodeRetention keeps expired codes this long before deleting them.
	// Zero disables purging.
	CodeRetention time.Duration
}

type Scheduler struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(store Store, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	if m == nil {
		m = metrics.Default()
	}
	return &Scheduler{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RefreshGauges copies the store row counts into the store gauges.
func (s *Scheduler) RefreshGauges(ctx context.Context) error {
	stats, err := s.store.Stats(ctx, s.now())
	if err != nil {
		return err
	}
	s.metrics.StoreAccounts.Set(float64(stats.Accounts))
	s.metrics.StoreConversations.Set(float64(stats.Conversations))
	s.metrics.StoreMessages.Set(float64(stats.Messages))
	s.metrics.StoreActiveCodes.Set(float64(stats.ActiveCodes))
	return nil
}

// PurgeCodes deletes auth codes that expired more than CodeRetention ago.
// A purged code is reported as NOT_FOUND instead of ALREADY_USED or EXPIRED
// if it is ever presented again.
func (s *Scheduler) PurgeCodes(ctx context.Context) (int64, error) {
	if s.cfg.CodeRetention <= 0 {
		return 0, nil
	}
	n, err := s.store.PurgeAuthCodes(ctx, s.now().Add(-s.cfg.CodeRetention))
	if err != nil {
		return 0, err
	}
	s.metrics.CodesPurged.Add(float64(n))
	if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("purged expired auth codes")
	}
	return n, nil
}

// Run schedules the jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	cron, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(newGocronLogger(s.logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := s.addJob(ctx, cron, "refresh_store_gauges", s.cfg.GaugesInterval, s.RefreshGauges); err != nil {
		cron.Shutdown()
		return err
	}
	if s.cfg.CodeRetention > 0 {
		purge := func(ctx context.Context) error {
			_, err := s.PurgeCodes(ctx)
			return err
		}
		if err := s.addJob(ctx, cron, "purge_auth_codes", s.cfg.GaugesInterval, purge); err != nil {
			cron.Shutdown()
			return err
		}
	}

	cron.Start()
	s.logger.Info().Int("jobs", len(cron.Jobs())).Msg("scheduler started")

	<-ctx.Done()

	if err := cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) addJob(ctx context.Context, cron gocron.Scheduler, name string, every time.Duration, job func(context.Context) error) error {
	task := func() {
		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()
		if err := job(jobCtx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	}

	_, err := cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}
	s.logger.Debug().Str("job", name).Dur("every", every).Msg("job scheduled")
	return nil
}
