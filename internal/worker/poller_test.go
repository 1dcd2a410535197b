package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/tileflow/internal/config"
	"github.com/kiranshivaraju/tileflow/internal/detector"
	"github.com/kiranshivaraju/tileflow/internal/detector/mock"
	"github.com/kiranshivaraju/tileflow/internal/worker"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	var got []time.Duration
	for k := 1; k <= 5; k++ {
		got = append(got, worker.Backoff(k, 10*time.Second, 2, 60*time.Second))
	}
	assert.Equal(t, []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second,
	}, got)

	assert.Equal(t, 10*time.Second, worker.Backoff(0, 10*time.Second, 2, 60*time.Second))
	assert.Equal(t, 60*time.Second, worker.Backoff(5000, 10*time.Second, 2, 60*time.Second))
	assert.Equal(t, 5*time.Second, worker.Backoff(7, 5*time.Second, 1, 60*time.Second))
}

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	now    time.Time
	delays []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	return nil
}

func pending() *mock.AsyncDetector {
	return &mock.AsyncDetector{
		Name_: "pending",
		StatusFunc: func(context.Context, string) (models.InferenceStatus, error) {
			return models.InferenceStatus{State: models.AsyncInProgress}, nil
		},
	}
}

func TestPoller_TimeoutCapsLastWait(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := worker.NewPoller(config.PollingConfig{
		BaseInterval: 100 * time.Millisecond,
		Multiplier:   2,
		MaxInterval:  400 * time.Millisecond,
		MaxWait:      time.Second,
	}, nil).WithClock(clock.Now, clock.Sleep)

	_, err := p.Wait(context.Background(), pending(), "inf-1", nil)
	assert.ErrorIs(t, err, worker.ErrAsyncTimeout)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 300 * time.Millisecond,
	}, clock.delays)
}

func TestPoller_TimesOutAfterMaxWait(t *testing.T) {
	p := worker.NewPoller(config.PollingConfig{
		BaseInterval: 50 * time.Millisecond,
		Multiplier:   2,
		MaxInterval:  200 * time.Millisecond,
		MaxWait:      time.Second,
	}, nil)

	start := time.Now()
	_, err := p.Wait(context.Background(), pending(), "inf-1", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, worker.ErrAsyncTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestPoller_CompletesAfterPending(t *testing.T) {
	var calls atomic.Int32
	det := &mock.AsyncDetector{
		StatusFunc: func(context.Context, string) (models.InferenceStatus, error) {
			switch calls.Add(1) {
			case 1:
				return models.InferenceStatus{State: models.AsyncPending}, nil
			case 2:
				return models.InferenceStatus{}, detector.ErrTransient
			case 3:
				return models.InferenceStatus{State: models.AsyncInProgress}, nil
			default:
				return models.InferenceStatus{State: models.AsyncCompleted, OutputLocation: "s3://b/out"}, nil
			}
		},
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := worker.NewPoller(config.PollingConfig{
		BaseInterval: 10 * time.Second, Multiplier: 2, MaxInterval: 60 * time.Second, MaxWait: time.Hour,
	}, nil).WithClock(clock.Now, clock.Sleep)

	var transient int
	status, err := p.Wait(context.Background(), det, "inf-1", func(error) { transient++ })
	require.NoError(t, err)
	assert.Equal(t, models.AsyncCompleted, status.State)
	assert.Equal(t, "s3://b/out", status.OutputLocation)
	assert.Equal(t, 1, transient)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, clock.delays)
}

func TestPoller_FailedIsFinal(t *testing.T) {
	det := &mock.AsyncDetector{
		StatusFunc: func(context.Context, string) (models.InferenceStatus, error) {
			return models.InferenceStatus{State: models.AsyncFailed, FailureReason: "oom"}, nil
		},
	}
	status, err := worker.NewPoller(config.PollingConfig{MaxWait: time.Second}, nil).
		Wait(context.Background(), det, "inf-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.AsyncFailed, status.State)
	assert.Equal(t, "oom", status.FailureReason)
}

func TestPoller_PermanentErrorStops(t *testing.T) {
	var calls atomic.Int32
	det := &mock.AsyncDetector{
		StatusFunc: func(context.Context, string) (models.InferenceStatus, error) {
			calls.Add(1)
			return models.InferenceStatus{}, detector.ErrPermanent
		},
	}
	_, err := worker.NewPoller(config.PollingConfig{BaseInterval: time.Millisecond, Multiplier: 1,
		MaxInterval: time.Millisecond, MaxWait: time.Second}, nil).
		Wait(context.Background(), det, "inf-1", nil)
	assert.ErrorIs(t, err, detector.ErrPermanent)
	assert.False(t, errors.Is(err, worker.ErrAsyncTimeout))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoller_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := worker.NewPoller(config.PollingConfig{BaseInterval: time.Second, Multiplier: 2,
		MaxInterval: time.Minute, MaxWait: time.Hour}, nil).
		Wait(ctx, pending(), "inf-1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
