package hls

import (
	"math"
	"sync"
)

const (
	fastHalfLife = 3.0 // seconds of download time
	slowHalfLife = 9.0

	// minSampleWeight is the download time needed before the estimate is
	// trusted over the default.
	minSampleWeight = 0.1

	defaultEstimate = 500_000 // bits per second

	upSwitchFactor   = 0.7
	downSwitchFactor = 0.95
)

// ewma is an exponentially weighted moving average whose weight is time.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife float64) ewma {
	return ewma{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

func (e *ewma) sample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

// value corrects for the zero the average started from.
func (e *ewma) value() float64 {
	zero := 1 - math.Pow(e.alpha, e.totalWeight)
	if zero == 0 {
		return 0
	}
	return e.estimate / zero
}

// BandwidthEstimator keeps a fast and a slow average of observed throughput
// and reports the more pessimistic of the two.
type BandwidthEstimator struct {
	mu   sync.Mutex
	fast ewma
	slow ewma
}

// NewBandwidthEstimator returns an estimator with no samples.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{fast: newEWMA(fastHalfLife), slow: newEWMA(slowHalfLife)}
}

// Sample records n bytes downloaded in seconds.
func (b *BandwidthEstimator) Sample(seconds float64, n int) {
	if seconds <= 0 || n <= 0 {
		return
	}
	bps := 8 * float64(n) / seconds
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fast.sample(seconds, bps)
	b.slow.sample(seconds, bps)
}

// Estimate returns the bandwidth estimate in bits per second.
func (b *BandwidthEstimator) Estimate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fast.totalWeight < minSampleWeight {
		return defaultEstimate
	}
	return math.Min(b.fast.value(), b.slow.value())
}

// chooseLevel picks the highest level that fits the estimate. Stepping above
// current needs more headroom than staying at or below it. When current is
// known and the buffer is below lowWater, the choice is capped one level
// under current.
func chooseLevel(levels []Level, current int, estimate, bufferAhead, lowWater float64) int {
	if len(levels) == 0 {
		return 0
	}
	best := 0
	for i, l := range levels {
		factor := downSwitchFactor
		if current >= 0 && i > current {
			factor = upSwitchFactor
		}
		if float64(l.Bandwidth) <= estimate*factor {
			best = i
		}
	}
	if current > 0 && bufferAhead < lowWater && best >= current {
		best = current - 1
	}
	return best
}
