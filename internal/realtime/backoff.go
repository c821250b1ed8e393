package realtime

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: min(Max, Base × Factor^attempt) plus
// random jitter, so a fleet of dashboards dropped by the same outage does
// not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	// Jitter returns the random additive component. Nil uses a uniform
	// draw up to half of Base; tests inject a constant.
	Jitter func() time.Duration
}

func (b Backoff) withDefaults() Backoff {
	out := b
	if out.Base <= 0 {
		out.Base = time.Second
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Second
	}
	if out.Factor < 1 {
		out.Factor = 2
	}
	return out
}

// Delay returns the wait before reconnect attempt n (0-based). The
// deterministic component is non-decreasing in n up to Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		d = float64(b.Max)
	}

	jitter := b.Jitter
	if jitter == nil {
		half := int64(b.Base) / 2
		jitter = func() time.Duration {
			if half <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(half))
		}
	}
	return time.Duration(d) + jitter()
}
