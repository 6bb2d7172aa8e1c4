package main

import (
	"time"
)

// Sample is one timestamped temperature reading from a zone sensor.
type Sample struct {
	Time time.Time `json:"time"`
	Temp float64   `json:"temp"`
}

// CycleMetrics describes one completed heating/cooling cycle. Optional fields
// use pointers: nil means "could not be measured from this cycle", which callers
// must treat differently from zero.
type CycleMetrics struct {
	Overshoot          *float64 `json:"overshoot,omitempty"`
	Undershoot         *float64 `json:"undershoot,omitempty"`
	SettlingTime       *float64 `json:"settling_time,omitempty"` // minutes
	RiseTime           *float64 `json:"rise_time,omitempty"`     // minutes
	Oscillations       int      `json:"oscillations"`
	StartingDelta      float64  `json:"starting_delta"`
	Mode               Mode     `json:"-"`
	ModeName           string   `json:"mode"`
	IntegralAtCrossing *float64 `json:"integral_at_crossing,omitempty"`
	DecayContribution  *float64 `json:"decay_contribution,omitempty"`
	DeadTime           *float64 `json:"dead_time,omitempty"` // seconds
	Clamped            bool     `json:"clamped,omitempty"`
}

// floatPtr returns a pointer to v. Used when filling optional metric fields.
func floatPtr(v float64) *float64 {
	return &v
}

// overshootPhase tracks which part of the cycle a sample belongs to.
type overshootPhase int

const (
	phaseRise overshootPhase = iota
	phaseSettling
)

// PhaseAwareOvershootTracker measures overshoot only from samples in the
// settling phase, and once the heater stops, only within a bounded peak window
// after the stop. Late temperature rises from solar gain or occupancy are
// therefore never misattributed as controller overshoot.
type PhaseAwareOvershootTracker struct {
	phase            overshootPhase
	setpointCrossed  bool
	crossingTime     time.Time
	maxSettlingTemp  float64
	heaterStopTime   time.Time
	peakWindowClosed bool
}

// NewPhaseAwareOvershootTracker returns a tracker ready for a new cycle.
func NewPhaseAwareOvershootTracker() *PhaseAwareOvershootTracker {
	return &PhaseAwareOvershootTracker{}
}

// Reset discards all state, for reuse when a new setpoint or cycle begins.
func (t *PhaseAwareOvershootTracker) Reset() {
	*t = PhaseAwareOvershootTracker{}
}

// HeaterStopped records the instant the actuator stopped. From this point the
// tracker only accepts peaks within the peak tracking window.
func (t *PhaseAwareOvershootTracker) HeaterStopped(at time.Time) {
	if t.heaterStopTime.IsZero() {
		t.heaterStopTime = at
	}
}

// Observe feeds one sample into the tracker.
func (t *PhaseAwareOvershootTracker) Observe(s Sample, target float64) {
	if t.peakWindowClosed {
		return
	}
	if !t.heaterStopTime.IsZero() && s.Time.Sub(t.heaterStopTime) > peakTrackingWindow {
		t.peakWindowClosed = true
		return
	}

	if !t.setpointCrossed {
		if s.Temp >= target {
			t.setpointCrossed = true
			t.crossingTime = s.Time
			t.phase = phaseSettling
			t.maxSettlingTemp = s.Temp
		}
		return
	}

	if s.Temp > t.maxSettlingTemp {
		t.maxSettlingTemp = s.Temp
	}
}

// Overshoot returns the measured overshoot, or false if the setpoint was never
// crossed during the cycle.
func (t *PhaseAwareOvershootTracker) Overshoot(target float64) (float64, bool) {
	if !t.setpointCrossed {
		return 0, false
	}
	over := t.maxSettlingTemp - target
	if over < 0 {
		over = 0
	}
	return over, true
}

// CalculateOvershoot measures the peak excursion above target. With phaseAware
// set it drives a PhaseAwareOvershootTracker over the samples and reports no
// value if the setpoint was never crossed; otherwise it is a plain peak-minus-
// target. Samples within transportDelay of the first sample are skipped as
// dead time.
func CalculateOvershoot(history []Sample, target float64, phaseAware bool, transportDelay time.Duration) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}

	start := history[0].Time

	if phaseAware {
		tracker := NewPhaseAwareOvershootTracker()
		for _, s := range history {
			if s.Time.Sub(start) < transportDelay {
				continue
			}
			tracker.Observe(s, target)
		}
		return tracker.Overshoot(target)
	}

	peak := history[0].Temp
	seen := false
	for _, s := range history {
		if s.Time.Sub(start) < transportDelay {
			continue
		}
		if !seen || s.Temp > peak {
			peak = s.Temp
			seen = true
		}
	}
	if !seen {
		return 0, false
	}
	over := peak - target
	if over < 0 {
		over = 0
	}
	return over, true
}

// CalculateUndershoot measures the deepest excursion below target. Returns no
// value on empty input.
func CalculateUndershoot(history []Sample, target float64) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	min := history[0].Temp
	for _, s := range history[1:] {
		if s.Temp < min {
			min = s.Temp
		}
	}
	under := target - min
	if under < 0 {
		under = 0
	}
	return under, true
}

// CountOscillations counts crossings of the hysteresis band target±threshold.
// A sample inside the band holds the previous above/below state rather than
// resetting it, so sensor noise at the band edge does not inflate the count.
func CountOscillations(history []Sample, target, threshold float64) int {
	const defaultThreshold = 0.1
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	crossings := 0
	state := 0 // 0 unknown, 1 above band, -1 below band
	for _, s := range history {
		var next int
		switch {
		case s.Temp > target+threshold:
			next = 1
		case s.Temp < target-threshold:
			next = -1
		default:
			continue // inside band: hold previous state
		}
		if state != 0 && next != state {
			crossings++
		}
		state = next
	}
	return crossings
}

// CalculateSettlingTime finds the first moment after reference (zero means the
// first sample) where the next three samples, or all remaining if fewer, stay
// within ±tolerance of target. Returns elapsed minutes from the reference, or
// no value if the zone never settled.
func CalculateSettlingTime(history []Sample, target, tolerance float64, reference time.Time) (float64, bool) {
	const defaultTolerance = 0.2
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	if len(history) == 0 {
		return 0, false
	}
	if reference.IsZero() {
		reference = history[0].Time
	}

	withinBand := func(s Sample) bool {
		diff := s.Temp - target
		return diff <= tolerance && diff >= -tolerance
	}

	for i, s := range history {
		if s.Time.Before(reference) {
			continue
		}
		window := history[i:]
		if len(window) > 3 {
			window = window[:3]
		}
		settled := true
		for _, w := range window {
			if !withinBand(w) {
				settled = false
				break
			}
		}
		if settled {
			return s.Time.Sub(reference).Minutes(), true
		}
	}
	return 0, false
}

// CalculateRiseTime measures elapsed minutes, excluding skip dead time, until
// temperature first reaches target−threshold. Returns no value if the zone was
// already at target or never reached it.
func CalculateRiseTime(history []Sample, startTemp, target, threshold float64, skip time.Duration) (float64, bool) {
	const defaultThreshold = 0.2
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if len(history) == 0 {
		return 0, false
	}

	reach := target - threshold
	if startTemp >= reach {
		return 0, false // already at target: rise time is meaningless
	}

	origin := history[0].Time.Add(skip)
	for _, s := range history {
		if s.Time.Before(origin) {
			continue
		}
		if s.Temp >= reach {
			elapsed := s.Time.Sub(origin)
			if elapsed < 0 {
				elapsed = 0
			}
			return elapsed.Minutes(), true
		}
	}
	return 0, false
}

// OvershootComponents splits total overshoot into the part caused by heat
// already committed when the actuator stopped and the part the controller
// could have prevented. Committed heat is not controller error and must not be
// penalized during learning. heatingRate is in °C per second.
func OvershootComponents(peakTemp, setpoint, committedHeatSeconds, heatingRate float64) (controllable, committed float64) {
	total := peakTemp - setpoint
	if total < 0 {
		total = 0
	}
	committed = committedHeatSeconds * heatingRate
	if committed > total {
		committed = total
	}
	if committed < 0 {
		committed = 0
	}
	controllable = total - committed
	return controllable, committed
}
