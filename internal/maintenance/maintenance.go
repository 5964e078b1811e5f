// Package maintenance bundles the periodic housekeeping the core layer
// deliberately does not schedule for itself: expired cache entries and
// idle rate-limit identifiers are only reclaimed when a sweep runs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/duckgate/duckgate/internal/cache"
	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/ratelimit"
)

type SweepSummary struct {
	ExpiredEntries  int
	IdleIdentifiers int
	Duration        time.Duration
}

type Service struct {
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(c *cache.Cache, limiter *ratelimit.Limiter, logger *slog.Logger) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: c, limiter: limiter, logger: logger, now: time.Now}, nil
}

func (s *Service) RunSweepOnce(ctx context.Context) SweepSummary {
	start := s.now()
	summary := SweepSummary{
		ExpiredEntries:  s.cache.CleanupExpired(),
		IdleIdentifiers: s.limiter.SweepIdle(),
	}
	summary.Duration = s.now().Sub(start)

	observability.AddSweepRemovals("cache_expired", summary.ExpiredEntries)
	observability.AddSweepRemovals("idle_identifiers", summary.IdleIdentifiers)

	s.logger.InfoContext(ctx, "maintenance sweep complete",
		slog.Int("expired_entries", summary.ExpiredEntries),
		slog.Int("idle_identifiers", summary.IdleIdentifiers),
		slog.Duration("duration", summary.Duration),
	)
	return summary
}
