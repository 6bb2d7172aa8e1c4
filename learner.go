package main

import (
	"log"
	"time"
)

// Gains is one set of PID gains.
type Gains struct {
	Kp float64 `json:"kp" yaml:"kp"`
	Ki float64 `json:"ki" yaml:"ki"`
	Kd float64 `json:"kd" yaml:"kd"`
}

// GainSnapshot records gains in force at a point in time, so an auto-applied
// adjustment that regresses can be rolled back.
type GainSnapshot struct {
	Gains  Gains     `json:"gains"`
	At     time.Time `json:"at"`
	Source string    `json:"source"` // "baseline", "auto_apply", "manual"
}

// LearningStatus is the tag reported to collaborators.
type LearningStatus string

const (
	StatusIdle       LearningStatus = "idle"
	StatusCollecting LearningStatus = "collecting"
	StatusStable     LearningStatus = "stable"
	StatusTuned      LearningStatus = "tuned"
	StatusOptimized  LearningStatus = "optimized"
)

// Recommendation carries a gain recommendation or the reason none was made.
// Gains nil with a reason is a gated refusal, not an error.
type Recommendation struct {
	Gains  *Gains `json:"gains,omitempty"`
	Reason string `json:"reason"`
}

// CycleContext carries the host-side facts about a completed cycle that the
// metrics record itself does not: outcome classification inputs, conditions
// during the cycle, and its wall duration. Optional fields are nil when the
// host could not supply them.
type CycleContext struct {
	EffectiveDuty        *float64
	OutdoorTemp          *float64
	NightSetbackRecovery bool
	Duration             *time.Duration
	MeasuredRate         *float64 // °C/h observed over the cycle's rise
}

// Convergence detection constants.
const (
	convergedOvershootMax  = 0.2
	convergedUndershootMax = 0.2
	convergedOscillations  = 1
	keConvergedCycles      = 5

	confidencePerWeight = 0.02
)

// modeState is the per-HVAC-mode learning state.
type modeState struct {
	History              []CycleMetrics
	AutoApplyCount       int
	Confidence           float64
	LastAdjustment       time.Time
	ConsecutiveConverged int
}

// validationState is the observation window after an auto-applied adjustment.
type validationState struct {
	Mode              Mode
	BaselineOvershoot float64
	CyclesLeft        int
	Overshoots        []float64
}

// AdaptiveLearner owns all learning state for one zone: per-mode cycle
// history and confidence, the confidence contribution tracker, the undershoot
// detector, the heating rate learner, and the auto-apply safety envelope.
// It is logically single-threaded; the zone runtime serializes access.
type AdaptiveLearner struct {
	zone   string
	params HeatingParams

	modes      [modeCount]modeState
	contrib    ConfidenceContributionTracker
	undershoot *UndershootDetector
	rates      *HeatingRateLearner

	snapshots  []GainSnapshot
	baseline   Gains
	validation *validationState

	seasonalAutoApplies int
	outdoorRegime       *float64
	lastSeasonShift     time.Time

	lastAdjustment time.Time
	keConverged    bool

	// Optional capability: reports whether any external pause (contact
	// sensor open, humidity spike, grace period) is active. Nil means no
	// pause source exists.
	isPaused func() bool
}

// NewAdaptiveLearner creates a fresh learner for a zone.
func NewAdaptiveLearner(zone string, params HeatingParams, baseline Gains) *AdaptiveLearner {
	l := &AdaptiveLearner{
		zone:       zone,
		params:     params,
		baseline:   baseline,
		undershoot: NewUndershootDetector(params),
		rates:      NewHeatingRateLearner(params),
	}
	l.snapshots = append(l.snapshots, GainSnapshot{Gains: baseline, At: time.Now(), Source: "baseline"})
	return l
}

// SetPauseCheck installs the external pause capability.
func (l *AdaptiveLearner) SetPauseCheck(fn func() bool) {
	l.isPaused = fn
}

// Rates exposes the heating rate learner for session-driving callers.
func (l *AdaptiveLearner) Rates() *HeatingRateLearner {
	return l.rates
}

// Undershoot exposes the undershoot detector for real-time updates.
func (l *AdaptiveLearner) Undershoot() *UndershootDetector {
	return l.undershoot
}

// CyclesCompleted returns the number of retained cycles for a mode.
func (l *AdaptiveLearner) CyclesCompleted(mode Mode) int {
	return len(l.modes[mode].History)
}

// Confidence returns the convergence confidence for a mode, in [0,1].
func (l *AdaptiveLearner) Confidence(mode Mode) float64 {
	return l.modes[mode].Confidence
}

// ConfidencePercent returns the confidence as a 0–100 percentage.
func (l *AdaptiveLearner) ConfidencePercent(mode Mode) float64 {
	return l.modes[mode].Confidence * 100
}

// classifyOutcome maps a cycle's measured excursions onto the weight
// calculator's outcome classes.
func classifyOutcome(m CycleMetrics) CycleOutcome {
	if m.Overshoot != nil && *m.Overshoot > convergedOvershootMax {
		return OutcomeOvershoot
	}
	if m.Undershoot != nil && *m.Undershoot > convergedUndershootMax {
		return OutcomeUndershoot
	}
	return OutcomeClean
}

// isConverged reports whether one cycle looks like a well-tuned response.
func isConverged(m CycleMetrics) bool {
	if m.Overshoot != nil && *m.Overshoot > convergedOvershootMax {
		return false
	}
	if m.Undershoot != nil && *m.Undershoot > convergedUndershootMax {
		return false
	}
	if m.Oscillations > convergedOscillations {
		return false
	}
	return m.SettlingTime != nil
}

// stableOrBetter reports whether a mode has reached at least stable status.
func (l *AdaptiveLearner) stableOrBetter(mode Mode) bool {
	return l.modes[mode].Confidence >= confidenceStable &&
		l.contrib.CanReachTier(1, mode, l.params)
}

// RecordCycle consumes one completed cycle: history retention, confidence
// accumulation, convergence tracking, chronic-undershoot bookkeeping, cycle-
// sourced heating rate banking, and validation-window progression.
func (l *AdaptiveLearner) RecordCycle(m CycleMetrics, ctx CycleContext) {
	mode := m.Mode
	ms := &l.modes[mode]

	ms.History = append(ms.History, m)
	if len(ms.History) > cycleHistoryCap {
		ms.History = ms.History[len(ms.History)-cycleHistoryCap:]
	}

	stable := l.stableOrBetter(mode)
	weight := l.params.CycleWeight(WeightInputs{
		StartingDelta:        m.StartingDelta,
		Stable:               stable,
		Outcome:              classifyOutcome(m),
		EffectiveDuty:        ctx.EffectiveDuty,
		OutdoorTemp:          ctx.OutdoorTemp,
		NightSetbackRecovery: ctx.NightSetbackRecovery,
	})

	gain := weight * confidencePerWeight
	if l.params.IsRecoveryCycle(m.StartingDelta, stable) {
		l.contrib.RecordRecoveryCycle(mode)
		ms.Confidence += gain
	} else {
		ms.Confidence += l.contrib.ApplyMaintenanceGain(gain, mode, l.params)
	}

	if ctx.MeasuredRate != nil && ctx.Duration != nil && ctx.OutdoorTemp != nil {
		l.rates.AddCycleObservation(*ctx.MeasuredRate, m.StartingDelta, *ctx.OutdoorTemp, *ctx.Duration, time.Now())
		ms.Confidence += l.contrib.ApplyHeatingRateGain(gain/2, mode, l.params)
	}

	l.clampConfidence(mode)

	if isConverged(m) {
		ms.ConsecutiveConverged++
		if ms.ConsecutiveConverged >= keConvergedCycles {
			l.keConverged = true
		}
	} else {
		ms.ConsecutiveConverged = 0
	}

	l.undershoot.AddCycle(m, ctx.Duration)
	l.advanceValidation(m)
}

// clampConfidence bounds a mode's confidence to [0,1] and to the ceiling of
// the highest tier whose recovery-cycle gate is open. Numeric confidence
// alone is gameable by easy maintenance cycles; the gate is what makes status
// progression honest.
func (l *AdaptiveLearner) clampConfidence(mode Mode) {
	ms := &l.modes[mode]
	limit := 1.0
	if !l.contrib.CanReachTier(1, mode, l.params) {
		limit = confidenceStable
	} else if !l.contrib.CanReachTier(2, mode, l.params) {
		limit = confidenceTuned
	}
	ms.Confidence = clamp(ms.Confidence, 0, limit)
}

// Status returns the learning status tag for a mode. Any active external
// pause forces idle regardless of confidence.
func (l *AdaptiveLearner) Status(mode Mode) LearningStatus {
	if l.isPaused != nil && l.isPaused() {
		return StatusIdle
	}
	ms := &l.modes[mode]
	if len(ms.History) == 0 && ms.Confidence == 0 {
		return StatusIdle
	}
	c := ms.Confidence
	switch {
	case c >= confidenceOptimized:
		return StatusOptimized
	case c >= confidenceTuned && l.contrib.CanReachTier(2, mode, l.params):
		return StatusTuned
	case c >= confidenceStable && l.contrib.CanReachTier(1, mode, l.params):
		return StatusStable
	default:
		return StatusCollecting
	}
}

// ObserveOutdoor tracks the outdoor temperature regime. A shift of at least
// seasonShiftDelta marks a season change, which resets the per-season
// auto-apply budget and starts the auto-apply holdoff.
func (l *AdaptiveLearner) ObserveOutdoor(temp float64, now time.Time) {
	if l.outdoorRegime == nil {
		l.outdoorRegime = floatPtr(temp)
		return
	}
	if abs(temp-*l.outdoorRegime) >= seasonShiftDelta {
		l.outdoorRegime = floatPtr(temp)
		l.lastSeasonShift = now
		l.seasonalAutoApplies = 0
		log.Printf("zone %s: outdoor regime shift to %.1f°C, auto-apply holdoff started", l.zone, temp)
	}
}

// totalAutoApplies sums auto-applied adjustments across modes.
func (l *AdaptiveLearner) totalAutoApplies() int {
	n := 0
	for i := range l.modes {
		n += l.modes[i].AutoApplyCount
	}
	return n
}

// recentWindow returns up to the last n cycles of a mode.
func (l *AdaptiveLearner) recentWindow(mode Mode, n int) []CycleMetrics {
	h := l.modes[mode].History
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return h
}

// aggregate summarizes a cycle window: means of the defined metrics only.
type aggregate struct {
	overshoot    float64
	undershoot   float64
	oscillations float64
	settling     float64
	settlingSeen bool
}

func aggregateCycles(window []CycleMetrics) aggregate {
	var a aggregate
	var overs, unders, setts int
	for _, m := range window {
		if m.Overshoot != nil {
			a.overshoot += *m.Overshoot
			overs++
		}
		if m.Undershoot != nil {
			a.undershoot += *m.Undershoot
			unders++
		}
		if m.SettlingTime != nil {
			a.settling += *m.SettlingTime
			setts++
		}
		a.oscillations += float64(m.Oscillations)
	}
	if overs > 0 {
		a.overshoot /= float64(overs)
	}
	if unders > 0 {
		a.undershoot /= float64(unders)
	}
	if setts > 0 {
		a.settling /= float64(setts)
		a.settlingSeen = true
	}
	if len(window) > 0 {
		a.oscillations /= float64(len(window))
	}
	return a
}

// clampGainStep bounds a proposed gain to ±maxGainStep of the current value
// and to the drift cap around the physics baseline.
func clampGainStep(proposed, current, baseline float64) float64 {
	proposed = clamp(proposed, current*(1-maxGainStep), current*(1+maxGainStep))
	if baseline > 0 {
		proposed = clamp(proposed, baseline*(1-maxBaselineDriftPct), baseline*(1+maxBaselineDriftPct))
	}
	return proposed
}

// PIDRecommendation computes a gain recommendation for a mode from recent
// cycle metrics. With checkAutoApply set, the full safety envelope applies;
// every violated gate yields a nil recommendation with its reason, never an
// error. pwmPeriod scales nothing today but is part of the interface so hosts
// with long actuator periods can be handled later.
func (l *AdaptiveLearner) PIDRecommendation(mode Mode, current Gains, pwmPeriod time.Duration, checkAutoApply bool, outdoorTemp *float64, now time.Time) Recommendation {
	ms := &l.modes[mode]
	if len(ms.History) < minCyclesForRecommendation {
		return Recommendation{Reason: "insufficient_data"}
	}

	// Observe the outdoor temperature before the gates so a regime shift
	// carried by this very call already arms the holdoff below.
	if outdoorTemp != nil {
		l.ObserveOutdoor(*outdoorTemp, now)
	}
	if checkAutoApply {
		if l.validation != nil {
			return Recommendation{Reason: "validation_in_progress"}
		}
		if l.totalAutoApplies() >= lifetimeAutoApplyCap {
			return Recommendation{Reason: "lifetime_limit"}
		}
		if l.seasonalAutoApplies >= seasonalAutoApplyCap {
			return Recommendation{Reason: "seasonal_limit"}
		}
		if !l.lastSeasonShift.IsZero() && now.Sub(l.lastSeasonShift) < seasonShiftHoldoff {
			return Recommendation{Reason: "season_shift_holdoff"}
		}
	}

	a := aggregateCycles(l.recentWindow(mode, recommendationWindow))

	kp, ki, kd := current.Kp, current.Ki, current.Kd
	if a.overshoot > convergedOvershootMax {
		kp *= 0.9
		ki *= 0.9
		kd *= 1.1
	}
	if a.undershoot > convergedUndershootMax {
		ki *= 1.15
	}
	if a.oscillations >= 2 {
		kp *= 0.85
		kd *= 1.15
	}
	if a.settlingSeen && a.settling > 45 {
		kd *= 1.1
	}

	rec := Gains{
		Kp: clampGainStep(kp, current.Kp, l.baseline.Kp),
		Ki: clampGainStep(ki, current.Ki, l.baseline.Ki),
		Kd: clampGainStep(kd, current.Kd, l.baseline.Kd),
	}

	if rec == current {
		return Recommendation{Reason: "converged"}
	}
	return Recommendation{Gains: &rec, Reason: "ok"}
}

// ApplyAutoAdjustment commits an auto-applied recommendation: snapshots the
// new gains, spends the lifetime and seasonal budgets, and opens the
// validation window with the recent overshoot as its regression baseline.
func (l *AdaptiveLearner) ApplyAutoAdjustment(mode Mode, gains Gains, now time.Time) {
	ms := &l.modes[mode]
	ms.AutoApplyCount++
	ms.LastAdjustment = now
	l.lastAdjustment = now
	l.seasonalAutoApplies++
	l.snapshots = append(l.snapshots, GainSnapshot{Gains: gains, At: now, Source: "auto_apply"})

	a := aggregateCycles(l.recentWindow(mode, recommendationWindow))
	l.validation = &validationState{
		Mode:              mode,
		BaselineOvershoot: a.overshoot,
		CyclesLeft:        validationCycles,
	}
	log.Printf("zone %s: auto-applied gains kp=%.3f ki=%.3f kd=%.3f, validating for %d cycles",
		l.zone, gains.Kp, gains.Ki, gains.Kd, validationCycles)
}

// advanceValidation feeds one cycle into an open validation window and closes
// it as confirmed or degraded when the window completes.
func (l *AdaptiveLearner) advanceValidation(m CycleMetrics) {
	v := l.validation
	if v == nil || v.Mode != m.Mode {
		return
	}

	over := 0.0
	if m.Overshoot != nil {
		over = *m.Overshoot
	}
	v.Overshoots = append(v.Overshoots, over)
	v.CyclesLeft--
	if v.CyclesLeft > 0 {
		return
	}

	var mean float64
	for _, o := range v.Overshoots {
		mean += o
	}
	mean /= float64(len(v.Overshoots))

	l.validation = nil
	if mean > v.BaselineOvershoot+degradationThreshold {
		log.Printf("zone %s: validation degraded (overshoot %.2f > baseline %.2f), rolling back",
			l.zone, mean, v.BaselineOvershoot)
		l.Rollback(m.Mode)
	} else {
		log.Printf("zone %s: validation confirmed (overshoot %.2f vs baseline %.2f)",
			l.zone, mean, v.BaselineOvershoot)
	}
}

// ValidationActive reports whether an auto-apply validation window is open.
func (l *AdaptiveLearner) ValidationActive() bool {
	return l.validation != nil
}

// Rollback restores the second-most-recent gain snapshot and clears the
// mode's cycle history, forcing metric re-collection under the restored gains
// instead of reusing stale data. Returns the restored gains, or false when no
// earlier snapshot exists.
func (l *AdaptiveLearner) Rollback(mode Mode) (Gains, bool) {
	if len(l.snapshots) < 2 {
		return Gains{}, false
	}
	l.snapshots = l.snapshots[:len(l.snapshots)-1]
	restored := l.snapshots[len(l.snapshots)-1]
	l.modes[mode].History = nil
	l.validation = nil
	log.Printf("zone %s: rolled back to gains kp=%.3f ki=%.3f kd=%.3f (%s)",
		l.zone, restored.Gains.Kp, restored.Gains.Ki, restored.Gains.Kd, restored.Source)
	return restored.Gains, true
}

// CurrentGains returns the most recent snapshot's gains.
func (l *AdaptiveLearner) CurrentGains() Gains {
	return l.snapshots[len(l.snapshots)-1].Gains
}

// KiRecommendation evaluates the undershoot detector for a mode and returns
// the multiplier to apply, or nil with the withholding reason.
func (l *AdaptiveLearner) KiRecommendation(mode Mode, now time.Time) (*float64, string) {
	var lastWall *time.Time
	if !l.lastAdjustment.IsZero() {
		lastWall = &l.lastAdjustment
	}
	ok, reason := l.undershoot.ShouldAdjustKi(l.CyclesCompleted(mode), now, lastWall)
	if !ok {
		return nil, reason
	}
	return floatPtr(l.undershoot.Adjustment()), reason
}

// ApplyKiAdjustment commits a pending undershoot adjustment and returns the
// multiplier applied.
func (l *AdaptiveLearner) ApplyKiAdjustment(now time.Time) float64 {
	l.lastAdjustment = now
	return l.undershoot.ApplyAdjustment(now)
}

// HeatingRate proxies the heating rate learner's estimate.
func (l *AdaptiveLearner) HeatingRate(delta, outdoorTemp float64) (float64, string) {
	return l.rates.HeatingRate(delta, outdoorTemp)
}

// abs returns the absolute value of v.
func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
