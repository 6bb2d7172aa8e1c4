package main

import (
	"time"
)

// RateSource tags where a heating-rate observation came from.
type RateSource string

const (
	RateSourceSession RateSource = "session"
	RateSourceCycle   RateSource = "cycle"
)

// Source tags reported to collaborators alongside a rate estimate.
const (
	RateTagSession  = "learned_session"
	RateTagCycle    = "learned_cycle"
	RateTagFallback = "fallback"
)

// SessionEndReason says why a recovery session ended.
type SessionEndReason string

const (
	SessionEndReached  SessionEndReason = "reached"
	SessionEndStalled  SessionEndReason = "stalled"
	SessionEndOverride SessionEndReason = "override"
)

// HeatingRateObservation is one banked fact about how fast the zone heats.
type HeatingRateObservation struct {
	Rate      float64       `json:"rate"` // °C/h
	Duration  time.Duration `json:"duration"`
	Source    RateSource    `json:"source"`
	Stalled   bool          `json:"stalled,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// RecoverySession tracks one continuous recovery from a large delta toward
// setpoint. At most one session is active per learner.
type RecoverySession struct {
	StartTemp         float64   `json:"start_temp"`
	StartTime         time.Time `json:"start_time"`
	TargetSetpoint    float64   `json:"target_setpoint"`
	OutdoorTemp       float64   `json:"outdoor_temp"`
	CyclesInSession   int       `json:"cycles_in_session"`
	CycleDuties       []float64 `json:"cycle_duties"`
	LastProgressCycle int       `json:"last_progress_cycle"`
	LastTemp          float64   `json:"last_temp"`
}

// Bin layout: 4 temperature-delta bins × 3 outdoor-temperature bins.
const (
	deltaBinCount   = 4
	outdoorBinCount = 3
	rateBinCount    = deltaBinCount * outdoorBinCount
)

// deltaBin maps a setpoint−temperature delta to its bin: [0,2) [2,4) [4,6) [6,∞).
func deltaBin(delta float64) int {
	switch {
	case delta < 2:
		return 0
	case delta < 4:
		return 1
	case delta < 6:
		return 2
	default:
		return 3
	}
}

// outdoorBin maps an outdoor temperature to its bin: (−∞,5) [5,15) [15,∞).
func outdoorBin(temp float64) int {
	switch {
	case temp < 5:
		return 0
	case temp < 15:
		return 1
	default:
		return 2
	}
}

// rateBinIndex combines the two bin coordinates into a flat index.
func rateBinIndex(delta, outdoorTemp float64) int {
	return deltaBin(delta)*outdoorBinCount + outdoorBin(outdoorTemp)
}

// HeatingRateLearner maintains the binned histogram of observed heating rates
// and the single active recovery session.
type HeatingRateLearner struct {
	params  HeatingParams
	bins    [rateBinCount][]HeatingRateObservation
	session *RecoverySession
}

// NewHeatingRateLearner returns an empty learner for the given heating type.
func NewHeatingRateLearner(params HeatingParams) *HeatingRateLearner {
	return &HeatingRateLearner{params: params}
}

// bank appends an observation to its bin, evicting the oldest past the cap.
func (l *HeatingRateLearner) bank(bin int, obs HeatingRateObservation) {
	if bin < 0 || bin >= rateBinCount {
		return
	}
	l.bins[bin] = append(l.bins[bin], obs)
	if len(l.bins[bin]) > binObservationCap {
		l.bins[bin] = l.bins[bin][len(l.bins[bin])-binObservationCap:]
	}
}

// HeatingRate estimates the zone's heating rate for the given conditions.
// Session observations are preferred over cycle observations; either needs at
// least three samples in the matching bin, otherwise the per-type fallback
// constant is used. The second return is the source tag reported upstream.
func (l *HeatingRateLearner) HeatingRate(delta, outdoorTemp float64) (float64, string) {
	bin := rateBinIndex(delta, outdoorTemp)

	if rate, ok := l.binMean(bin, RateSourceSession); ok {
		return rate, RateTagSession
	}
	if rate, ok := l.binMean(bin, RateSourceCycle); ok {
		return rate, RateTagCycle
	}
	return l.params.FallbackHeatingRate, RateTagFallback
}

// binMean averages observations of one source in a bin, requiring at least
// the minimum observation count.
func (l *HeatingRateLearner) binMean(bin int, source RateSource) (float64, bool) {
	var sum float64
	var n int
	for _, obs := range l.bins[bin] {
		if obs.Source == source {
			sum += obs.Rate
			n++
		}
	}
	if n < sessionMinObservations {
		return 0, false
	}
	return sum / float64(n), true
}

// StartSession begins a recovery session. A call while a session is already
// active is a no-op and reports false.
func (l *HeatingRateLearner) StartSession(startTemp, targetSetpoint, outdoorTemp float64, now time.Time) bool {
	if l.session != nil {
		return false
	}
	l.session = &RecoverySession{
		StartTemp:      startTemp,
		StartTime:      now,
		TargetSetpoint: targetSetpoint,
		OutdoorTemp:    outdoorTemp,
		LastTemp:       startTemp,
	}
	return true
}

// ActiveSession returns the current session, or nil.
func (l *HeatingRateLearner) ActiveSession() *RecoverySession {
	return l.session
}

// UpdateSession records one cycle of progress within the active session. The
// progress marker only advances when temperature rose by at least the minimum
// progress threshold since the previous update.
func (l *HeatingRateLearner) UpdateSession(temp, duty float64) {
	s := l.session
	if s == nil {
		return
	}
	s.CyclesInSession++
	s.CycleDuties = append(s.CycleDuties, duty)
	if temp-s.LastTemp >= sessionProgressMin {
		s.LastProgressCycle = s.CyclesInSession
	}
	s.LastTemp = temp
}

// IsStalled reports whether the active session has gone too many cycles
// without meaningful temperature progress.
func (l *HeatingRateLearner) IsStalled() bool {
	s := l.session
	if s == nil {
		return false
	}
	return s.CyclesInSession-s.LastProgressCycle >= stallCycles
}

// EndSession closes the active session. An override discards it outright (an
// external condition such as an opened window invalidated the data), as does a
// session shorter than the per-type minimum. Otherwise the measured rate is
// banked into the bin keyed by the session's starting delta and outdoor
// snapshot, and the observation is returned.
func (l *HeatingRateLearner) EndSession(endTemp float64, reason SessionEndReason, now time.Time) *HeatingRateObservation {
	s := l.session
	if s == nil {
		return nil
	}
	l.session = nil

	if reason == SessionEndOverride {
		return nil
	}

	duration := now.Sub(s.StartTime)
	if duration < l.params.MinSessionDuration {
		return nil
	}

	rate := (endTemp - s.StartTemp) / duration.Hours()
	obs := HeatingRateObservation{
		Rate:      rate,
		Duration:  duration,
		Source:    RateSourceSession,
		Stalled:   reason == SessionEndStalled,
		Timestamp: now,
	}
	l.bank(rateBinIndex(s.TargetSetpoint-s.StartTemp, s.OutdoorTemp), obs)
	return &obs
}

// AddCycleObservation banks a heating rate measured from a single cycle.
func (l *HeatingRateLearner) AddCycleObservation(rate, delta, outdoorTemp float64, duration time.Duration, now time.Time) {
	l.bank(rateBinIndex(delta, outdoorTemp), HeatingRateObservation{
		Rate:      rate,
		Duration:  duration,
		Source:    RateSourceCycle,
		Timestamp: now,
	})
}

// Bins returns a copy of the histogram contents, for persistence and
// diagnostics. The caller gets its own slices.
func (l *HeatingRateLearner) Bins() [][]HeatingRateObservation {
	out := make([][]HeatingRateObservation, rateBinCount)
	for i := range l.bins {
		out[i] = append([]HeatingRateObservation(nil), l.bins[i]...)
	}
	return out
}

// RestoreBins replaces the histogram contents from a persisted record. Bins
// beyond the expected count are dropped; missing bins stay empty.
func (l *HeatingRateLearner) RestoreBins(bins [][]HeatingRateObservation) {
	for i := 0; i < rateBinCount && i < len(bins); i++ {
		obs := bins[i]
		if len(obs) > binObservationCap {
			obs = obs[len(obs)-binObservationCap:]
		}
		l.bins[i] = append([]HeatingRateObservation(nil), obs...)
	}
}

// ObservationCount returns the total number of banked observations.
func (l *HeatingRateLearner) ObservationCount() int {
	n := 0
	for i := range l.bins {
		n += len(l.bins[i])
	}
	return n
}
