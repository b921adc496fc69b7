package federation

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// MarkerPruner drops dedup markers recorded before cutoff.
type MarkerPruner interface {
	PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically forgets dedup markers that fell out of the dedup window.
type Janitor struct {
	store    MarkerPruner
	window   time.Duration
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger
}

func NewJanitor(store MarkerPruner, window, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Janitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, window: window, interval: interval, clock: clk, log: logger}
}

// Run prunes once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()
	for {
		_, _ = j.Prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune drops the markers older than the window and returns how many went.
func (j *Janitor) Prune(ctx context.Context) (int64, error) {
	n, err := j.store.PruneProcessed(ctx, j.clock.Now().Add(-j.window))
	if err != nil {
		if ctx.Err() == nil {
			j.log.Error("janitor: prune failed", zap.Error(err))
		}
		return 0, err
	}
	if n > 0 {
		j.log.Info("janitor: pruned dedup markers", zap.Int64("markers", n))
	}
	return n, nil
}
