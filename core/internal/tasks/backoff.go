package tasks

import (
	"math"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Exponential returns min(Initial * 2^(attempt-1), Max). A zero Max caps the delay at
// the largest representable duration.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := e.Max
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if f >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(f)
}
