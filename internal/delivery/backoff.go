package delivery

import (
	"math/rand/v2"
	"time"

	"github.com/dogmatiq/linger/backoff"
)

// schedule is the base delay indexed by an entry's retry count. Counts past
// the end use the last value.
var schedule = [...]time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

// Jitter bounds applied multiplicatively to the base delay.
const (
	jitterMin = 0.8
	jitterMax = 1.2
)

// BaseDelay returns the un-jittered delay after a failure of an entry that
// had already failed retryCount times.
func BaseDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(schedule) {
		retryCount = len(schedule) - 1
	}
	return schedule[retryCount]
}

// Backoff returns BaseDelay(retryCount) scaled by a uniform factor in
// [0.8, 1.2].
func Backoff(retryCount int) time.Duration {
	f := jitterMin + rand.Float64()*(jitterMax-jitterMin)
	return time.Duration(float64(BaseDelay(retryCount)) * f)
}

// DefaultBackoff is the processor's default strategy. n is the entry's retry
// count before the failed attempt.
var DefaultBackoff backoff.Strategy = func(_ error, n uint) time.Duration {
	return Backoff(int(min(n, uint(len(schedule)))))
}
