package worker

import (
	"context"
	"fmt"
	"time"

	"reservation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExpiredReleaser releases a bounded batch of expired reservations.
type ExpiredReleaser interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// Locker is a lease-style distributed lock.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// SweeperConfig controls the expiry sweeper.
type SweeperConfig struct {
	Interval          time.Duration
	BatchSize         int
	MaxBatchesPerTick int
	LockKey           string
}

// ExpirySweeper periodically returns the stock held by expired reservations.
type ExpirySweeper struct {
	releaser ExpiredReleaser
	locker   Locker
	cfg      SweeperConfig
	logger   *zap.Logger
}

// NewExpirySweeper creates a sweeper. locker may be nil, in which case every
// replica sweeps.
func NewExpirySweeper(releaser ExpiredReleaser, locker Locker, cfg SweeperConfig) *ExpirySweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatchesPerTick <= 0 {
		cfg.MaxBatchesPerTick = 1
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "reservation-sweeper"
	}
	return &ExpirySweeper{
		releaser: releaser,
		locker:   locker,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// Run ticks until ctx is cancelled. A failing tick never stops the loop.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting expiry sweeper",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping expiry sweeper")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirySweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			util.SweepRunsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("Expiry sweep panicked", zap.Any("panic", r))
		}
	}()

	if s.locker != nil {
		token := uuid.NewString()
		ok, err := s.locker.AcquireLock(ctx, s.cfg.LockKey, token, s.cfg.Interval)
		if err != nil {
			util.SweepRunsTotal.WithLabelValues("lock_error").Inc()
			s.logger.Error("Failed to acquire sweeper lock", zap.Error(err))
			return
		}
		if !ok {
			util.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), s.cfg.LockKey, token); err != nil {
				s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
			}
		}()
	}

	if _, err := s.RunExpirySweepOnce(ctx); err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err))
	}
}

// RunExpirySweepOnce drains expired reservations in batches, stopping at the
// first short batch or after MaxBatchesPerTick batches. It returns how many
// reservations were released, including those released before an error.
func (s *ExpirySweeper) RunExpirySweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	total := 0
	for batch := 0; batch < s.cfg.MaxBatchesPerTick; batch++ {
		n, err := s.releaser.ReleaseExpired(ctx, s.cfg.BatchSize)
		total += n
		if err != nil {
			util.SweepRunsTotal.WithLabelValues("error").Inc()
			return total, fmt.Errorf("sweep batch %d: %w", batch+1, err)
		}
		if n < s.cfg.BatchSize {
			break
		}
	}

	util.SweepRunsTotal.WithLabelValues("ok").Inc()
	if total > 0 {
		s.logger.Info("Released expired reservations", zap.Int("count", total))
	}
	return total, nil
}
