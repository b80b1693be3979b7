package pipeline

import (
	"fmt"
	"math"
	"time"
)

// rateDriftTolerance is how far, in seconds, the running interval may be from the
// requested frequency before it is recomputed.
const rateDriftTolerance = 0.001

// Rate holds the tick interval derived from a target frequency.
type Rate struct {
	hz       float64
	interval time.Duration
}

// NewRate rejects frequencies that are not strictly positive.
func NewRate(hz float64) (*Rate, error) {
	interval, err := intervalFor(hz)
	if err != nil {
		return nil, err
	}
	return &Rate{hz: hz, interval: interval}, nil
}

func intervalFor(hz float64) (time.Duration, error) {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return 0, fmt.Errorf("max_frequency must be greater than 0, got %v", hz)
	}
	return time.Duration(float64(time.Second) / hz), nil
}

func (r *Rate) Interval() time.Duration {
	return r.interval
}

// Retune reports whether the interval changed. A new frequency always takes effect;
// for the same frequency the interval is only recomputed once it drifted from 1/hz by
// more than a millisecond. Invalid frequencies leave the rate untouched.
func (r *Rate) Retune(hz float64) bool {
	want, err := intervalFor(hz)
	if err != nil {
		return false
	}
	if hz == r.hz && math.Abs(r.interval.Seconds()-want.Seconds()) <= rateDriftTolerance {
		return false
	}
	changed := want != r.interval
	r.hz = hz
	r.interval = want
	return changed
}
