package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/config"
	"github.com/kiranshivaraju/tileflow/internal/detector"
	"github.com/kiranshivaraju/tileflow/pkg/models"
)

// ErrAsyncTimeout is returned when an inference is still running after MaxWait.
var ErrAsyncTimeout = errors.New("async inference timed out")

// Backoff returns the wait before poll attempt k (1-based):
// min(base * multiplier^(k-1), max).
func Backoff(attempt int, base time.Duration, multiplier float64, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if d >= float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}

// Poller waits for async inferences to reach a final state.
type Poller struct {
	cfg    config.PollingConfig
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewPoller(cfg config.PollingConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, logger: logger, now: time.Now, sleep: sleepContext}
}

// WithClock replaces the time source and the wait between polls.
func (p *Poller) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Poller {
	p.now = now
	p.sleep = sleep
	return p
}

// Wait polls inferenceID until it is Completed or Failed. Transient status errors
// are reported to onTransient and polling continues; permanent errors end the wait
// immediately. After MaxWait it returns ErrAsyncTimeout.
func (p *Poller) Wait(ctx context.Context, det models.AsyncDetector, inferenceID string, onTransient func(error)) (models.InferenceStatus, error) {
	deadline := p.now().Add(p.cfg.MaxWait)
	for attempt := 1; ; attempt++ {
		status, err := det.Status(ctx, inferenceID)
		switch {
		case err == nil && (status.State == models.AsyncCompleted || status.State == models.AsyncFailed):
			return status, nil
		case errors.Is(err, detector.ErrPermanent), errors.Is(err, context.Canceled):
			return models.InferenceStatus{}, fmt.Errorf("poll %s: %w", inferenceID, err)
		case err != nil:
			p.logger.Warn("transient error polling inference", "inference_id", inferenceID,
				"attempt", attempt, "error", err)
			if onTransient != nil {
				onTransient(err)
			}
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return models.InferenceStatus{}, fmt.Errorf("%w: %s after %s", ErrAsyncTimeout, inferenceID, p.cfg.MaxWait)
		}
		delay := min(Backoff(attempt, p.cfg.BaseInterval, p.cfg.Multiplier, p.cfg.MaxInterval), remaining)
		if err := p.sleep(ctx, delay); err != nil {
			return models.InferenceStatus{}, fmt.Errorf("poll %s: %w", inferenceID, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
