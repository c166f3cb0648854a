// Package sweeper runs the periodic housekeeping ticks the connection
// registry (C3) and rate limiter (C2) need but cannot schedule themselves:
// dropping idle WebSocket sessions and reclaiming rate-limit buckets that
// have not been touched in a while. It wraps gocron the same way the
// teacher's backup scheduler does, one job per concern instead of one job
// per policy.
package sweeper

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/ratelimit"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
)

// Sweeper owns the background gocron scheduler driving both sweeps.
type Sweeper struct {
	cron gocron.Scheduler
	log  *zap.Logger
}

// Config controls how often each sweep runs and how long a connection or
// rate-limit bucket may sit idle before it is reclaimed.
type Config struct {
	ConnInterval    time.Duration
	ConnMaxIdle     time.Duration
	LimiterInterval time.Duration
	LimiterMaxIdle  time.Duration
}

func (c *Config) setDefaults() {
	if c.ConnInterval <= 0 {
		c.ConnInterval = time.Minute
	}
	if c.ConnMaxIdle <= 0 {
		c.ConnMaxIdle = 10 * time.Minute
	}
	if c.LimiterInterval <= 0 {
		c.LimiterInterval = 5 * time.Minute
	}
	if c.LimiterMaxIdle <= 0 {
		c.LimiterMaxIdle = 30 * time.Minute
	}
}

// New builds a Sweeper and registers both jobs, but does not start it —
// call Start once the rest of the server is ready to run in the
// background, and Stop during shutdown.
func New(cfg Config, conns *registry.Registry, limiter *ratelimit.Limiter, log *zap.Logger) (*Sweeper, error) {
	cfg.setDefaults()
	log = log.Named("sweeper")

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweeper: failed to create scheduler: %w", err)
	}

	s := &Sweeper{cron: cron, log: log}

	if _, err := cron.NewJob(
		gocron.DurationJob(cfg.ConnInterval),
		gocron.NewTask(func() {
			if n := conns.SweepIdle(cfg.ConnMaxIdle); n > 0 {
				log.Info("swept idle connections", zap.Int("count", n))
			}
		}),
		gocron.WithTags("connections"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("sweeper: failed to register connection sweep: %w", err)
	}

	if _, err := cron.NewJob(
		gocron.DurationJob(cfg.LimiterInterval),
		gocron.NewTask(func() {
			if n := limiter.Sweep(cfg.LimiterMaxIdle); n > 0 {
				log.Info("swept idle rate limit buckets", zap.Int("count", n))
			}
		}),
		gocron.WithTags("rate_limit"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("sweeper: failed to register rate limit sweep: %w", err)
	}

	return s, nil
}

// Start begins running both sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop waits for any in-flight sweep to finish, then shuts the scheduler
// down.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper: shutdown error: %w", err)
	}
	return nil
}
