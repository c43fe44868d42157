package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentsync/internal/store"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultMaxAge        = 60 * time.Minute
)

// Sweeper periodically deletes cache entries that have not been updated
// within the max age. The active session is always exempt, regardless of
// its age.
type Sweeper struct {
	repo     store.Repository
	interval time.Duration
	maxAge   time.Duration
	activeID func() string
	log      *slog.Logger
}

// NewSweeper creates a sweep worker. activeID reports the currently active
// session id and may be nil when no session is ever exempt. Zero durations
// fall back to the defaults.
func NewSweeper(repo store.Repository, interval, maxAge time.Duration, activeID func() string, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if activeID == nil {
		activeID = func() string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:     repo,
		interval: interval,
		maxAge:   maxAge,
		activeID: activeID,
		log:      logger,
	}
}

// Run blocks sweeping on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Cache sweep worker started", "interval", s.interval, "max_age", s.maxAge)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Cache sweep worker stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single cleanup pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	removed, err := s.repo.CleanupExpired(ctx, s.maxAge, s.activeID())
	if err != nil {
		s.log.Error("Cache sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("Swept expired cache entries", "removed", removed)
	}
}
