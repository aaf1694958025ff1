package retries

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackOff returns the duration to sleep before the giving retry attempt.
// Attempt counting starts at 1 for the first retry.
type BackOff func(attempt int) time.Duration

// DoUntil runs the giving function until it returns no error, retrying up
// to total attempts with the giving backoff applied between attempts. The
// attempt index is passed to the function starting from zero. The last
// error received is returned once attempts are exhausted, and the context
// aborts both function reruns and backoff sleeps.
func DoUntil(ctx context.Context, total int, next BackOff, fx func(attempt int) error) error {
	if total < 1 {
		total = 1
	}

	var err error
	for attempt := 0; attempt < total; attempt++ {
		if attempt > 0 && next != nil {
			if serr := Sleep(ctx, next(attempt)); serr != nil {
				return serr
			}
		}

		if err = fx(attempt); err == nil {
			return nil
		}

		if cerr := ctx.Err(); cerr != nil {
			return err
		}
	}
	return err
}

// Sleep blocks for the giving duration or until the context ends,
// returning the context error on early wakeup.
func Sleep(ctx context.Context, elapse time.Duration) error {
	if elapse <= 0 {
		return ctx.Err()
	}

	tm := time.NewTimer(elapse)
	defer tm.Stop()

	select {
	case <-tm.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

//***************************************************************
// BackOff Generators
//
// Taken from the ff:
// 1. https://github.com/sethgrid/pester
// 2. https://github.com/cenkalti/backoff
// 3. https://github.com/hashicorp/go-retryablehttp
//***************************************************************

var (
	// random is used to generate pseudo-random numbers.
	random = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Linear returns increasing durations, each a second longer than the last.
func Linear(attempt int) time.Duration {
	return time.Duration(attempt) * time.Second
}

// Exponential returns ever increasing backoffs by a power of 2.
func Exponential(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// ExponentialJitter returns ever increasing backoffs by a power of 2
// with +/- 0-33% to prevent synchronized requests.
func ExponentialJitter(attempt int) time.Duration {
	return JitterDuration(int(1 << uint(attempt)))
}

// LinearJitter returns increasing durations, each a second longer than
// the last with +/- 0-33% to prevent synchronized requests.
func LinearJitter(attempt int) time.Duration {
	return JitterDuration(attempt)
}

// JitterDuration keeps the +/- 0-33% logic in one place.
func JitterDuration(i int) time.Duration {
	ms := i * 1000
	maxJitter := ms / 3

	// ms ± rand
	ms += random.Intn(2*maxJitter) - maxJitter

	// a jitter of 0 messes up the time.Tick chan
	if ms <= 0 {
		ms = 1
	}

	return time.Duration(ms) * time.Millisecond
}

// LinearRanged returns a BackOff performing linear back off with jitter
// bounded by the giving minimum and maximum durations, preventing a
// thundering herd.
//
// min and max here are *not* absolute values. The number to be multiplied
// by the attempt number will be chosen at random from between them, thus
// they are bounding the jitter.
func LinearRanged(min, max time.Duration) BackOff {
	return func(attempt int) time.Duration {
		if max <= min {
			return min * time.Duration(attempt)
		}

		// Pick a random point between min and max and scale it by the
		// attempt number.
		jitter := random.Float64() * float64(max-min)
		jitterMin := int64(jitter) + int64(min)
		return time.Duration(jitterMin * int64(attempt))
	}
}

// RangedExponential returns a BackOff performing exponential back off
// limited by the giving minimum and maximum durations.
func RangedExponential(min, max time.Duration) BackOff {
	return func(attempt int) time.Duration {
		mult := math.Pow(2, float64(attempt)) * float64(min)
		sleep := time.Duration(mult)
		if float64(sleep) != mult || sleep > max {
			sleep = max
		}
		return sleep
	}
}

// RandomizedJitters returns a BackOff yielding a new duration for each
// attempt randomized around the provided initial time duration seed.
func RandomizedJitters(initial time.Duration, randomFactor float64) BackOff {
	return func(attempt int) time.Duration {
		rr := math.Abs(random.Float64())
		initial = GetRandomValueFromInterval(randomFactor, rr*float64(attempt), initial)
		return initial
	}
}

// GetRandomValueFromInterval returns a random value from the following interval:
// 	[randomizationFactor * currentInterval, randomizationFactor * currentInterval].
func GetRandomValueFromInterval(randomizationFactor, random float64, currentInterval time.Duration) time.Duration {
	var delta = randomizationFactor * float64(currentInterval)
	var minInterval = float64(currentInterval) - delta
	var maxInterval = float64(currentInterval) + delta

	// Get a random value from the range [minInterval, maxInterval].
	// The formula used below has a +1 because if the minInterval is 1 and the maxInterval is 3 then
	// we want a 33% chance for selecting either 1, 2 or 3.
	return time.Duration(minInterval + (random * (maxInterval - minInterval + 1)))
}
