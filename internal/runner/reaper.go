package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/queue"
	"github.com/kiranshivaraju/tileflow/internal/store"
)

// Reaper deletes records whose expire_time has passed and returns queue
// messages whose receiver stopped settling them.
type Reaper struct {
	store    store.Store
	queues   []queue.Reclaimer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewReaper(st store.Store, interval time.Duration, logger *slog.Logger, queues ...queue.Reclaimer) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    st,
		queues:   queues,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep requeues expired deliveries and deletes expired records. It returns the
// number of records deleted.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	now := r.now()

	var errs []error
	for _, q := range r.queues {
		n, err := q.RequeueExpired(ctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			r.logger.Warn("requeued messages past their visibility timeout", "count", n)
		}
	}

	n, err := r.store.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		r.logger.Info("expired records deleted", "count", n)
	}
	return n, errors.Join(errs...)
}
