package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/emarket-platform/pkg/clock"
)

// Purger periodically deletes expired records in batches.
type Purger struct {
	registry Registry
	clock    clock.Clock
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewPurger creates a purge worker
func NewPurger(registry Registry, clk clock.Clock, interval time.Duration, batch int, logger *slog.Logger) *Purger {
	if batch <= 0 {
		batch = 500
	}
	return &Purger{registry: registry, clock: clk, interval: interval, batch: batch, logger: logger}
}

// Run purges on every tick until ctx is cancelled
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PurgeOnce(ctx); err != nil {
				p.logger.Warn("idempotency purge failed", "error", err)
			}
		}
	}
}

// PurgeOnce drains expired records batch by batch
func (p *Purger) PurgeOnce(ctx context.Context) (int, error) {
	now := p.clock.Now()
	total := 0
	for {
		n, err := p.registry.Purge(ctx, now, p.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < p.batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		p.logger.Info("idempotency records purged", "count", total)
	}
	return total, nil
}
