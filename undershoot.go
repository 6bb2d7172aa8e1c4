package main

import (
	"time"
)

// UndershootDetector combines two cooperating failure detectors over one
// shared Ki budget: a real-time thermal-debt integrator that catches a zone
// sitting below setpoint for hours, and a chronic-cycle counter that catches
// cycles which run long enough to be conclusive yet never reach setpoint.
// Both recommend the same corrective action, a bounded integral-gain bump,
// under shared cooldown and cumulative-cap gates.
type UndershootDetector struct {
	params HeatingParams

	// Shared state.
	CumulativeKiMultiplier float64
	lastAdjustment         time.Time // in-process, carries monotonic clock
	LastAdjustmentWall     time.Time // survives restarts via persistence

	// Real-time mode.
	TimeBelowTarget time.Duration
	ThermalDebt     float64 // °C·h, capped

	// Cycle mode.
	ConsecutiveFailures int
}

// NewUndershootDetector returns a detector with no accumulated state.
func NewUndershootDetector(params HeatingParams) *UndershootDetector {
	return &UndershootDetector{
		params:                 params,
		CumulativeKiMultiplier: 1.0,
	}
}

// Update feeds one real-time temperature observation. dt is the elapsed time
// since the previous observation; negative dt (clock stepped backwards) is
// clamped to zero so accrued debt is never erased or inverted.
func (d *UndershootDetector) Update(temp, setpoint float64, dt time.Duration, coldTolerance float64) {
	if dt < 0 {
		dt = 0
	}

	err := setpoint - temp
	switch {
	case err > coldTolerance:
		d.TimeBelowTarget += dt
		d.ThermalDebt += err * dt.Hours()
		if d.ThermalDebt > thermalDebtCap {
			d.ThermalDebt = thermalDebtCap
		}
	case err < 0:
		// Temperature exceeded setpoint: the undershoot condition cleared.
		d.TimeBelowTarget = 0
		d.ThermalDebt = 0
	default:
		// Within tolerance band: hold state.
	}
}

// AddCycle feeds one completed cycle into the chronic-failure counter. A cycle
// is a chronic approach failure when it never reached setpoint (no rise time),
// undershot by at least the per-type threshold, produced no overshoot, and ran
// long enough to be conclusive. Any cycle that did reach setpoint resets the
// counter.
func (d *UndershootDetector) AddCycle(m CycleMetrics, duration *time.Duration) {
	if m.RiseTime != nil {
		d.ConsecutiveFailures = 0
		return
	}
	if m.Undershoot == nil || *m.Undershoot < d.params.UndershootThreshold {
		return
	}
	if m.Overshoot != nil && *m.Overshoot > 0 {
		return
	}
	if duration != nil && *duration < d.params.MinCycleDuration {
		return
	}
	d.ConsecutiveFailures++
}

// realtimeTriggered evaluates the real-time trigger: before enough cycles have
// completed, ordinary undershoot is enough; afterwards cycle-based learning
// owns the problem unless the debt is severe enough that waiting is unsafe.
func (d *UndershootDetector) realtimeTriggered(cyclesCompleted int) bool {
	severe := d.ThermalDebt >= 2*d.params.DebtThreshold
	if cyclesCompleted >= minCyclesForLearning && !severe {
		return false
	}
	return d.TimeBelowTarget >= d.params.TimeBelowThreshold || d.ThermalDebt >= d.params.DebtThreshold
}

// cycleTriggered evaluates the chronic-approach trigger.
func (d *UndershootDetector) cycleTriggered(cyclesCompleted int) bool {
	return cyclesCompleted >= minCyclesForLearning &&
		d.ConsecutiveFailures >= d.params.MinConsecutiveFails
}

// inCooldown checks the adjustment cooldown against both the in-process clock
// and, when available, the wall-clock timestamp restored from persisted
// history, so a restart cannot defeat the cooldown.
func (d *UndershootDetector) inCooldown(now time.Time, lastHistoryAdjustment *time.Time) bool {
	if !d.lastAdjustment.IsZero() && now.Sub(d.lastAdjustment) < d.params.AdjustmentCooldown {
		return true
	}
	if !d.LastAdjustmentWall.IsZero() && now.Sub(d.LastAdjustmentWall) < d.params.AdjustmentCooldown {
		return true
	}
	if lastHistoryAdjustment != nil && !lastHistoryAdjustment.IsZero() &&
		now.Sub(*lastHistoryAdjustment) < d.params.AdjustmentCooldown {
		return true
	}
	return false
}

// ShouldAdjustKi reports whether a Ki adjustment is warranted right now, and
// if not, why it was withheld. Shared gates (cooldown, cumulative cap) apply
// before either mode may fire.
func (d *UndershootDetector) ShouldAdjustKi(cyclesCompleted int, now time.Time, lastHistoryAdjustment *time.Time) (bool, string) {
	if d.inCooldown(now, lastHistoryAdjustment) {
		return false, "cooldown"
	}
	if d.CumulativeKiMultiplier >= maxUndershootKiMultiplier {
		return false, "cumulative_cap"
	}
	if d.realtimeTriggered(cyclesCompleted) {
		return true, "realtime"
	}
	if d.cycleTriggered(cyclesCompleted) {
		return true, "chronic_cycles"
	}
	return false, "no_trigger"
}

// Adjustment returns the Ki multiplier that would be applied now. The step is
// truncated so the cumulative multiplier can never exceed its hard cap, making
// the returned value always safe to apply.
func (d *UndershootDetector) Adjustment() float64 {
	step := d.params.KiStepMultiplier
	room := maxUndershootKiMultiplier / d.CumulativeKiMultiplier
	if step > room {
		step = room
	}
	if step < 1.0 {
		step = 1.0
	}
	return step
}

// ApplyAdjustment commits the pending adjustment: the cumulative multiplier
// absorbs the step, the adjustment instant is recorded for the cooldown, the
// thermal debt is halved (a partial reset; time below target deliberately
// keeps its memory of ongoing difficulty) and the chronic counter clears.
// Returns the multiplier that was applied.
func (d *UndershootDetector) ApplyAdjustment(now time.Time) float64 {
	step := d.Adjustment()
	d.CumulativeKiMultiplier *= step
	if d.CumulativeKiMultiplier > maxUndershootKiMultiplier {
		d.CumulativeKiMultiplier = maxUndershootKiMultiplier
	}
	d.lastAdjustment = now
	d.LastAdjustmentWall = now
	d.ThermalDebt /= 2
	d.ConsecutiveFailures = 0
	return step
}
