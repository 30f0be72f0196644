package review

import (
	"context"
	"log/slog"
	"time"

	"matricula/internal/identity/service"
)

const sweepBatchSize = 500

// Sweeper periodically expires verifications whose validity window closed
// without anyone asking for their status. The lazy check on reads keeps
// correctness; the sweep keeps the audit trail and metrics current.
type Sweeper struct {
	identities *service.Service
	interval   time.Duration
	logger     *slog.Logger
}

func NewSweeper(identities *service.Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{identities: identities, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := s.identities.SweepExpired(ctx, sweepBatchSize)
			if err != nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.InfoContext(ctx, "expiry sweep complete", "expired", expired)
			}
		}
	}
}
