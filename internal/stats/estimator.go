package stats

import (
	"sort"
	"time"
)

// historyCap bounds the arrival history to the most recent entries.
const historyCap = 15

// Estimator derives the next source-poll delay for one track from the
// history of arrival timestamps. It is not safe for concurrent use; all
// calls happen inside the scheduler's single active pass.
type Estimator struct {
	interval time.Duration
	min      time.Duration
	max      time.Duration

	// history holds unix-second arrival timestamps, newest first.
	history []int64

	sumDelay  int64
	count     int64
	lastDelay time.Duration
}

func NewEstimator(seed, min, max time.Duration) *Estimator {
	return &Estimator{
		interval:  seed,
		min:       min,
		max:       max,
		lastDelay: seed,
	}
}

// NextDelay returns the delay until the next source poll.
//
// With fewer than two samples the current interval is returned as-is and the
// stored interval grows by 50% (capped) so that quiet tracks ramp down
// slowly. With two or more samples the delay is the mean of consecutive
// arrival deltas scaled by a 0.90 safety margin, clamped to [min, max].
func (e *Estimator) NextDelay() time.Duration {
	if len(e.history) < 2 {
		current := e.interval
		grown := time.Duration(float64(e.interval) * 1.5)
		if grown > e.max {
			grown = e.max
		}
		e.interval = grown
		e.lastDelay = current
		return current
	}

	asc := make([]int64, len(e.history))
	copy(asc, e.history)
	sort.Slice(asc, func(i, j int) bool { return asc[i] < asc[j] })

	var total int64
	for i := 1; i < len(asc); i++ {
		total += asc[i] - asc[i-1]
	}
	mean := float64(total) / float64(len(asc)-1)
	delay := time.Duration(mean*0.90) * time.Second
	if delay < e.min {
		delay = e.min
	}
	if delay > e.max {
		delay = e.max
	}
	e.lastDelay = delay
	return delay
}

// Observe records the arrival timestamps of newly seen items. Timestamps
// are unix seconds; order does not matter. The running (sum, count) pair
// feeds the average-interval gauge only, not the delay computation.
func (e *Estimator) Observe(arrivals []int64) {
	if len(arrivals) == 0 {
		return
	}
	fresh := make([]int64, len(arrivals))
	copy(fresh, arrivals)
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] > fresh[j] })

	// Chain the new deltas onto the newest previously known timestamp so
	// the gap between batches counts toward the running mean.
	chain := fresh
	if len(e.history) > 0 {
		chain = append(chain, e.history[0])
	}
	for i := 1; i < len(chain); i++ {
		e.sumDelay += chain[i-1] - chain[i]
	}
	e.count += int64(len(fresh))

	merged := append(e.history, fresh...)
	sort.Slice(merged, func(i, j int) bool { return merged[i] > merged[j] })
	if len(merged) > historyCap {
		merged = merged[:historyCap]
	}
	e.history = merged
}

// Interval reports the most recently returned poll delay.
func (e *Estimator) Interval() time.Duration {
	return e.lastDelay
}

// AvgInterval reports the running mean delta between observed arrivals.
func (e *Estimator) AvgInterval() time.Duration {
	if e.count == 0 {
		return 0
	}
	return time.Duration(e.sumDelay/e.count) * time.Second
}

// HistoryLen reports how many arrival samples are retained.
func (e *Estimator) HistoryLen() int {
	return len(e.history)
}

// Seen reports the total number of arrivals observed.
func (e *Estimator) Seen() int64 {
	return e.count
}
