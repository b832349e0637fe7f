package upload

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Clock abstracts time for the retry loop. It satisfies backoff.Clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// newRetrySchedule returns the delays between the attempts of one part:
// base, 2*base, 4*base and so on, without jitter, and backoff.Stop once
// maxAttempts attempts have been made.
func newRetrySchedule(base time.Duration, maxAttempts int, clock Clock) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}
