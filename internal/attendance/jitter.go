package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by +/- jitterRatio using a sample
// drawn from [0,1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// backoffWindow draws delivery retry delays uniformly from [min, max]. The
// window never grows: Multiplier is 1 and the interval sits at the midpoint
// with a randomization factor that reaches both edges.
type backoffWindow struct {
	mu       sync.Mutex
	min, max time.Duration
	policy   *backoff.ExponentialBackOff
}

func newBackoffWindow(min, max time.Duration) *backoffWindow {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	mid := min + (max-min)/2
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = mid
	policy.MaxInterval = mid
	policy.Multiplier = 1
	policy.RandomizationFactor = 0
	if min+max > 0 {
		policy.RandomizationFactor = float64(max-min) / float64(max+min)
	}
	policy.Reset()
	return &backoffWindow{min: min, max: max, policy: policy}
}

func (w *backoffWindow) Next() time.Duration {
	w.mu.Lock()
	delay := w.policy.NextBackOff()
	w.mu.Unlock()
	if delay < w.min {
		return w.min
	}
	if delay > w.max {
		return w.max
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
