package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/gateway"
)

// PendingLedger is what the sweeper needs from the account manager.
type PendingLedger interface {
	Ledger
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error)
	ExpirePending(ctx context.Context, txID uuid.UUID, cutoff time.Time) (bool, error)
}

// SweeperConfig holds sweep timing
type SweeperConfig struct {
	// PendingTimeout is how long a deposit or withdrawal may wait for its gateway.
	PendingTimeout time.Duration
	Interval       time.Duration
	Batch          int
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Resolved int
	Expired  int
	Skipped  int
}

// Sweeper fails pending transactions whose confirmation never arrived,
// asking the gateway first when it can be polled.
type Sweeper struct {
	ledger  PendingLedger
	poller  gateway.StatusPoller
	clock   clock.Clock
	cfg     SweeperConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewSweeper creates new timeout sweeper. poller may be nil.
func NewSweeper(ledger PendingLedger, poller gateway.StatusPoller, clk clock.Clock, cfg SweeperConfig, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sweeper{ledger: ledger, poller: poller, clock: clk, cfg: cfg, metrics: metrics, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("pending sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce handles one batch of stale pending transactions.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := s.clock.Now().Add(-s.cfg.PendingTimeout)

	stale, err := s.ledger.StalePending(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		return stats, err
	}

	for _, tx := range stale {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		action := s.sweep(ctx, tx, cutoff)
		s.metrics.swept.WithLabelValues(action).Inc()
		switch action {
		case "resolved":
			stats.Resolved++
		case "expired":
			stats.Expired++
		default:
			stats.Skipped++
		}
	}
	if len(stale) > 0 {
		s.logger.Info("pending sweep finished", "resolved", stats.Resolved, "expired", stats.Expired, "skipped", stats.Skipped)
	}
	return stats, nil
}

func (s *Sweeper) sweep(ctx context.Context, tx *domain.Transaction, cutoff time.Time) string {
	if s.poller != nil && tx.PaymentID != nil {
		outcome, err := s.poller.Status(ctx, *tx.PaymentID)
		if err != nil {
			s.logger.Warn("gateway status poll failed", "tx_id", tx.ID, "payment_id", *tx.PaymentID, "error", err)
			return "skipped"
		}
		if _, final := outcome.Target(); final {
			res, err := s.ledger.ResolvePending(ctx, domain.SystemCaller, tx.ID, outcome, "sweeper")
			if err != nil {
				s.logger.Warn("failed to apply polled outcome", "tx_id", tx.ID, "error", err)
				return "skipped"
			}
			if res.Replayed {
				return "skipped"
			}
			return "resolved"
		}
	}

	expired, err := s.ledger.ExpirePending(ctx, tx.ID, cutoff)
	if err != nil {
		s.logger.Warn("failed to expire pending transaction", "tx_id", tx.ID, "error", err)
		return "skipped"
	}
	if !expired {
		return "skipped"
	}
	return "expired"
}
