package realtime

import (
	"sync"
	"time"
)

// Quality is the ordered connection-quality tier derived from heartbeat
// latency and missed-heartbeat counts. Observability only: a poor tier never
// triggers reconnection by itself.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityUnstable  Quality = "unstable"
)

// QualityThresholds map latency and loss onto tiers.
type QualityThresholds struct {
	ExcellentLatency time.Duration
	GoodLatency      time.Duration
	PoorLatency      time.Duration

	// GoodMaxLoss / PoorMaxLoss bound missed heartbeats in the sample
	// window for each tier.
	GoodMaxLoss int
	PoorMaxLoss int
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentLatency: 100 * time.Millisecond,
		GoodLatency:      250 * time.Millisecond,
		PoorLatency:      600 * time.Millisecond,
		GoodMaxLoss:      1,
		PoorMaxLoss:      3,
	}
}

// Classify maps one latency/loss observation to a tier.
func (t QualityThresholds) Classify(latency time.Duration, lost int) Quality {
	switch {
	case lost == 0 && latency <= t.ExcellentLatency:
		return QualityExcellent
	case lost <= t.GoodMaxLoss && latency <= t.GoodLatency:
		return QualityGood
	case lost <= t.PoorMaxLoss && latency <= t.PoorLatency:
		return QualityPoor
	default:
		return QualityUnstable
	}
}

// healthTracker accumulates heartbeat results for one connection.
type healthTracker struct {
	mu         sync.Mutex
	thresholds QualityThresholds
	lastRTT    time.Duration
	lost       int
	received   int
}

func newHealthTracker(t QualityThresholds) *healthTracker {
	return &healthTracker{thresholds: t}
}

func (h *healthTracker) recordRTT(rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRTT = rtt
	h.received++
	// A successful heartbeat ages out one recorded loss so a transient
	// blip recovers instead of pinning the tier down forever.
	if h.lost > 0 {
		h.lost--
	}
}

func (h *healthTracker) recordLoss() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost++
}

func (h *healthTracker) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRTT = 0
	h.lost = 0
	h.received = 0
}

// Snapshot returns the current latency, loss count and derived tier.
func (h *healthTracker) snapshot() (time.Duration, int, Quality) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.received == 0 && h.lost == 0 {
		return 0, 0, QualityGood
	}
	return h.lastRTT, h.lost, h.thresholds.Classify(h.lastRTT, h.lost)
}
