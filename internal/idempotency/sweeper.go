package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var purged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mintgate_idempotency_keys_purged_total",
	Help: "Expired idempotency keys deleted by the sweeper",
})

// Sweeper periodically deletes expired idempotency records.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "idempotency sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes everything past expiry once.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredKeys(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		purged.Add(float64(n))
		slog.DebugContext(ctx, "purged expired idempotency keys", "count", n)
	}
	return n, nil
}
