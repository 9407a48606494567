package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/relay/vectorsync"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Syncer reconciles every template that owns files.
type Syncer interface {
	SyncAll(ctx context.Context) ([]*vectorsync.Report, error)
}

// ParseSchedule parses a schedule string.
// Supports:
//   - Cron expressions: "0 */15 * * * *" (6-field) or "*/15 * * * *" (5-field)
//   - Descriptors: "@hourly", "@every 1h"
//   - Go duration strings: "15m", "2h"
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("schedule is empty")
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if s, err := parser.Parse(schedule); err == nil {
		return s, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule as cron expression or duration: %w", err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("schedule duration must be positive")
	}
	return cron.ConstantDelaySchedule{Delay: d}, nil
}

// SyncScheduler runs template synchronization on a schedule.
type SyncScheduler struct {
	syncer   Syncer
	schedule cron.Schedule
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSyncScheduler creates a scheduler. Each run is bounded by timeout when it is
// positive.
func NewSyncScheduler(syncer Syncer, schedule string, timeout time.Duration, logger zerolog.Logger) (*SyncScheduler, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	s, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("sync schedule %q: %w", schedule, err)
	}
	return &SyncScheduler{
		syncer:   syncer,
		schedule: s,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With().Str("component", "sync_scheduler").Logger(),
	}, nil
}

// Start runs a sync immediately and then on every scheduled tick until ctx is done.
// Runs never overlap.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("Starting sync scheduler")
	s.runOnce(ctx)

	for {
		next := s.schedule.Next(s.now())
		wait := time.Until(next)
		s.logger.Debug().Time("next", next).Msg("Next sync scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Sync scheduler stopped: context cancelled")
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

func (s *SyncScheduler) runOnce(ctx context.Context) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	reports, err := s.syncer.SyncAll(runCtx)
	failed := 0
	for _, r := range reports {
		if !r.OK() {
			failed++
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Int("templates", len(reports)).Msg("Scheduled sync finished with errors")
		return
	}
	s.logger.Info().
		Int("templates", len(reports)).
		Int("partial", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Scheduled sync finished")
}
