package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBaseline = Gains{Kp: 5.0, Ki: 0.1, Kd: 20.0}

func newTestLearner() *AdaptiveLearner {
	return NewAdaptiveLearner("test-zone", ParamsFor(HeatingRadiator), testBaseline)
}

// cleanRecoveryCycle is a well-behaved cycle starting from a recovery delta.
func cleanRecoveryCycle(delta float64) CycleMetrics {
	return CycleMetrics{
		Overshoot:     floatPtr(0.05),
		Undershoot:    floatPtr(0.1),
		SettlingTime:  floatPtr(20.0),
		RiseTime:      floatPtr(25.0),
		StartingDelta: delta,
		Mode:          ModeHeating,
		ModeName:      "heating",
	}
}

// maintenanceCycle is a small-delta cycle holding temperature.
func maintenanceCycle() CycleMetrics {
	m := cleanRecoveryCycle(0.3)
	return m
}

// overshootCycle produced a large excursion above setpoint.
func overshootCycle(over float64) CycleMetrics {
	return CycleMetrics{
		Overshoot:     floatPtr(over),
		SettlingTime:  floatPtr(30.0),
		StartingDelta: 1.5,
		Mode:          ModeHeating,
		ModeName:      "heating",
	}
}

// TestRecordCycle_RecoveryConfidence tests direct confidence from recovery cycles
func TestRecordCycle_RecoveryConfidence(t *testing.T) {
	// Arrange
	l := newTestLearner()

	// Act - four clean recovery cycles, one degree past the threshold
	for i := 0; i < 4; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	}

	// Assert - weight 2.0 × 1.25 at 0.02 confidence per weight unit
	assert.Equal(t, 4, l.CyclesCompleted(ModeHeating))
	assert.InDelta(t, 0.2, l.Confidence(ModeHeating), 0.001)
	assert.Equal(t, 4, l.contrib.RecoveryCycles[ModeHeating])
	assert.Equal(t, 0, l.CyclesCompleted(ModeCooling))
}

// TestRecordCycle_MaintenanceCannotPassCollecting tests the tier-1 gate:
// however many easy cycles accumulate, confidence stalls below stable.
func TestRecordCycle_MaintenanceCannotPassCollecting(t *testing.T) {
	// Arrange
	l := newTestLearner()

	// Act - a season of maintenance-only operation
	for i := 0; i < 100; i++ {
		l.RecordCycle(maintenanceCycle(), CycleContext{})
	}

	// Assert - confidence clamped at the stable threshold, status held back
	assert.LessOrEqual(t, l.Confidence(ModeHeating), confidenceStable)
	assert.Equal(t, StatusCollecting, l.Status(ModeHeating))
}

// TestStatus_TierProgression tests confidence tiers against the recovery gates
func TestStatus_TierProgression(t *testing.T) {
	// Arrange
	l := newTestLearner()
	assert.Equal(t, StatusIdle, l.Status(ModeHeating))

	// Act - keep feeding challenging recovery cycles
	for i := 0; i < 20; i++ {
		l.RecordCycle(cleanRecoveryCycle(3.0), CycleContext{})
	}

	// Assert - both gates open (20 recovery cycles), confidence saturated
	assert.Equal(t, 1.0, l.Confidence(ModeHeating))
	assert.Equal(t, StatusOptimized, l.Status(ModeHeating))
}

// TestStatus_PauseForcesIdle tests the external pause capability
func TestStatus_PauseForcesIdle(t *testing.T) {
	// Arrange
	l := newTestLearner()
	l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	require.Equal(t, StatusCollecting, l.Status(ModeHeating))

	// Act
	paused := true
	l.SetPauseCheck(func() bool { return paused })

	// Assert
	assert.Equal(t, StatusIdle, l.Status(ModeHeating))
	paused = false
	assert.Equal(t, StatusCollecting, l.Status(ModeHeating))
}

// TestRecordCycle_HeatingRateBanking tests cycle-sourced rate observations
func TestRecordCycle_HeatingRateBanking(t *testing.T) {
	// Arrange
	l := newTestLearner()
	duration := 45 * time.Minute
	ctx := CycleContext{
		OutdoorTemp:  floatPtr(10.0),
		Duration:     &duration,
		MeasuredRate: floatPtr(1.8),
	}

	// Act
	l.RecordCycle(cleanRecoveryCycle(2.5), ctx)

	// Assert - the observation landed and earned heating-rate confidence
	assert.Equal(t, 1, l.Rates().ObservationCount())
	assert.Greater(t, l.contrib.HeatingRate[ModeHeating], 0.0)
}

// TestPIDRecommendation_InsufficientData tests the minimum-cycle gate
func TestPIDRecommendation_InsufficientData(t *testing.T) {
	// Arrange
	l := newTestLearner()
	l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})

	// Act
	rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, false, nil, t0)

	// Assert - a gated refusal, not an error
	assert.Nil(t, rec.Gains)
	assert.Equal(t, "insufficient_data", rec.Reason)
}

// TestPIDRecommendation_OvershootReducesGains tests the overshoot heuristic
func TestPIDRecommendation_OvershootReducesGains(t *testing.T) {
	// Arrange - persistent 0.8°C overshoot
	l := newTestLearner()
	for i := 0; i < 5; i++ {
		l.RecordCycle(overshootCycle(0.8), CycleContext{})
	}

	// Act
	rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, false, nil, t0)

	// Assert - Kp and Ki back off, Kd damps harder
	require.NotNil(t, rec.Gains)
	assert.Equal(t, "ok", rec.Reason)
	assert.InDelta(t, 4.5, rec.Gains.Kp, 0.001)
	assert.InDelta(t, 0.09, rec.Gains.Ki, 0.001)
	assert.InDelta(t, 22.0, rec.Gains.Kd, 0.001)
}

// TestPIDRecommendation_UndershootBoostsKi tests the undershoot heuristic
func TestPIDRecommendation_UndershootBoostsKi(t *testing.T) {
	// Arrange - cycles that consistently fall short
	l := newTestLearner()
	for i := 0; i < 5; i++ {
		l.RecordCycle(CycleMetrics{
			Undershoot:    floatPtr(0.8),
			StartingDelta: 1.5,
			Mode:          ModeHeating,
			ModeName:      "heating",
		}, CycleContext{})
	}

	// Act
	rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, false, nil, t0)

	// Assert - only Ki moves
	require.NotNil(t, rec.Gains)
	assert.InDelta(t, 5.0, rec.Gains.Kp, 0.001)
	assert.InDelta(t, 0.115, rec.Gains.Ki, 0.001)
	assert.InDelta(t, 20.0, rec.Gains.Kd, 0.001)
}

// TestPIDRecommendation_StepClamped tests the per-recommendation gain clamp
func TestPIDRecommendation_StepClamped(t *testing.T) {
	// Arrange - overshoot and oscillation together would cut Kp by 23.5%
	l := newTestLearner()
	for i := 0; i < 5; i++ {
		m := overshootCycle(0.8)
		m.Oscillations = 3
		l.RecordCycle(m, CycleContext{})
	}

	// Act
	rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, false, nil, t0)

	// Assert - each gain moves at most 20% per recommendation
	require.NotNil(t, rec.Gains)
	assert.InDelta(t, 4.0, rec.Gains.Kp, 0.001)  // clamped from 3.825
	assert.InDelta(t, 24.0, rec.Gains.Kd, 0.001) // clamped from 25.3
}

// TestPIDRecommendation_ConvergedCycles tests the no-change case
func TestPIDRecommendation_ConvergedCycles(t *testing.T) {
	// Arrange - nothing to improve
	l := newTestLearner()
	for i := 0; i < 5; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	}

	// Act
	rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, false, nil, t0)

	// Assert
	assert.Nil(t, rec.Gains)
	assert.Equal(t, "converged", rec.Reason)
}

// TestPIDRecommendation_AutoApplyGates tests every refusal in the safety envelope
func TestPIDRecommendation_AutoApplyGates(t *testing.T) {
	mkLearner := func() *AdaptiveLearner {
		l := newTestLearner()
		for i := 0; i < 5; i++ {
			l.RecordCycle(overshootCycle(0.8), CycleContext{})
		}
		return l
	}

	t.Run("validation in progress", func(t *testing.T) {
		l := mkLearner()
		l.ApplyAutoAdjustment(ModeHeating, Gains{Kp: 4.5, Ki: 0.09, Kd: 22}, t0)
		rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, true, nil, t0)
		assert.Nil(t, rec.Gains)
		assert.Equal(t, "validation_in_progress", rec.Reason)
	})

	t.Run("lifetime limit", func(t *testing.T) {
		l := mkLearner()
		l.modes[ModeHeating].AutoApplyCount = lifetimeAutoApplyCap
		rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, true, nil, t0)
		assert.Equal(t, "lifetime_limit", rec.Reason)
	})

	t.Run("seasonal limit", func(t *testing.T) {
		l := mkLearner()
		l.seasonalAutoApplies = seasonalAutoApplyCap
		rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, true, nil, t0)
		assert.Equal(t, "seasonal_limit", rec.Reason)
	})

	t.Run("season shift holdoff", func(t *testing.T) {
		l := mkLearner()
		l.lastSeasonShift = t0.Add(-time.Hour)
		rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, true, nil, t0)
		assert.Equal(t, "season_shift_holdoff", rec.Reason)
	})

	t.Run("shift carried by the same call", func(t *testing.T) {
		l := mkLearner()
		l.ObserveOutdoor(10.0, t0.Add(-24*time.Hour))
		rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, true, floatPtr(18.0), t0)
		assert.Equal(t, "season_shift_holdoff", rec.Reason)
	})

	t.Run("all gates pass", func(t *testing.T) {
		l := mkLearner()
		rec := l.PIDRecommendation(ModeHeating, testBaseline, 0, true, nil, t0)
		assert.NotNil(t, rec.Gains)
		assert.Equal(t, "ok", rec.Reason)
	})
}

// TestObserveOutdoor_SeasonShift tests regime tracking and budget reset
func TestObserveOutdoor_SeasonShift(t *testing.T) {
	// Arrange
	l := newTestLearner()
	l.seasonalAutoApplies = 2

	// Act - establish the regime, drift within it, then shift out of it
	l.ObserveOutdoor(10.0, t0)
	l.ObserveOutdoor(17.5, t0.Add(24*time.Hour))
	assert.Equal(t, 2, l.seasonalAutoApplies, "drift under the threshold is not a shift")

	l.ObserveOutdoor(2.0, t0.Add(48*time.Hour))

	// Assert - the seasonal budget resets and the holdoff starts
	assert.Equal(t, 0, l.seasonalAutoApplies)
	assert.Equal(t, t0.Add(48*time.Hour), l.lastSeasonShift)
}

// TestValidation_DegradedRollsBack tests the regression rollback
func TestValidation_DegradedRollsBack(t *testing.T) {
	// Arrange - low-overshoot history, then an auto-applied adjustment
	l := newTestLearner()
	for i := 0; i < 3; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	}
	applied := Gains{Kp: 4.5, Ki: 0.09, Kd: 22}
	l.ApplyAutoAdjustment(ModeHeating, applied, t0)
	require.True(t, l.ValidationActive())
	require.Equal(t, applied, l.CurrentGains())

	// Act - the adjustment made things much worse
	for i := 0; i < validationCycles; i++ {
		l.RecordCycle(overshootCycle(1.0), CycleContext{})
	}

	// Assert - gains rolled back to baseline, history discarded for re-collection
	assert.False(t, l.ValidationActive())
	assert.Equal(t, testBaseline, l.CurrentGains())
	assert.Equal(t, 0, l.CyclesCompleted(ModeHeating))
}

// TestValidation_ConfirmedKeepsGains tests the happy validation path
func TestValidation_ConfirmedKeepsGains(t *testing.T) {
	// Arrange
	l := newTestLearner()
	for i := 0; i < 3; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	}
	applied := Gains{Kp: 4.5, Ki: 0.09, Kd: 22}
	l.ApplyAutoAdjustment(ModeHeating, applied, t0)

	// Act - overshoot stayed where it was
	for i := 0; i < validationCycles; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	}

	// Assert
	assert.False(t, l.ValidationActive())
	assert.Equal(t, applied, l.CurrentGains())
	assert.Equal(t, 3+validationCycles, l.CyclesCompleted(ModeHeating))
}

// TestValidation_OtherModeCyclesDoNotCount tests per-mode validation isolation
func TestValidation_OtherModeCyclesDoNotCount(t *testing.T) {
	// Arrange
	l := newTestLearner()
	for i := 0; i < 3; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{})
	}
	l.ApplyAutoAdjustment(ModeHeating, Gains{Kp: 4.5, Ki: 0.09, Kd: 22}, t0)

	// Act - cooling cycles arrive while heating is under validation
	cooling := cleanRecoveryCycle(2.0)
	cooling.Mode = ModeCooling
	cooling.ModeName = "cooling"
	for i := 0; i < validationCycles; i++ {
		l.RecordCycle(cooling, CycleContext{})
	}

	// Assert - the window is still open
	assert.True(t, l.ValidationActive())
}

// TestRollback_NoEarlierSnapshot tests the empty-history edge case
func TestRollback_NoEarlierSnapshot(t *testing.T) {
	l := newTestLearner()
	_, ok := l.Rollback(ModeHeating)
	assert.False(t, ok, "only the baseline snapshot exists")
	assert.Equal(t, testBaseline, l.CurrentGains())
}

// TestKiRecommendation_ApplyStartsCooldown tests the learner-level Ki flow
func TestKiRecommendation_ApplyStartsCooldown(t *testing.T) {
	// Arrange - enough real-time debt to trigger
	l := newTestLearner()
	for i := 0; i < 4; i++ {
		l.Undershoot().Update(19.0, 20.0, time.Hour, 0.3)
	}

	// Act
	mult, reason := l.KiRecommendation(ModeHeating, t0)

	// Assert
	require.NotNil(t, mult)
	assert.Equal(t, "realtime", reason)
	assert.InDelta(t, 1.25, *mult, 0.001)

	// Applying opens the cooldown
	applied := l.ApplyKiAdjustment(t0)
	assert.InDelta(t, 1.25, applied, 0.001)
	mult, reason = l.KiRecommendation(ModeHeating, t0.Add(time.Hour))
	assert.Nil(t, mult)
	assert.Equal(t, "cooldown", reason)
}

// TestSnapshotRestore_RoundTrip tests that persisted state survives intact
func TestSnapshotRestore_RoundTrip(t *testing.T) {
	// Arrange - a learner with every subsystem carrying state
	l := newTestLearner()
	duration := 45 * time.Minute
	for i := 0; i < 6; i++ {
		l.RecordCycle(cleanRecoveryCycle(2.0), CycleContext{
			OutdoorTemp:  floatPtr(8.0),
			Duration:     &duration,
			MeasuredRate: floatPtr(1.6),
		})
	}
	for i := 0; i < 3; i++ {
		l.RecordCycle(maintenanceCycle(), CycleContext{})
	}
	l.Undershoot().Update(19.0, 20.0, 2*time.Hour, 0.3)
	l.ApplyKiAdjustment(t0)
	l.ApplyAutoAdjustment(ModeHeating, Gains{Kp: 4.5, Ki: 0.09, Kd: 22}, t0)

	// Act
	data, err := l.Snapshot().Marshal()
	require.NoError(t, err)
	restored := RestoreLearner("test-zone", ParamsFor(HeatingRadiator), testBaseline, data)

	// Assert
	assert.Equal(t, l.CyclesCompleted(ModeHeating), restored.CyclesCompleted(ModeHeating))
	assert.InDelta(t, l.Confidence(ModeHeating), restored.Confidence(ModeHeating), 0.0001)
	assert.Equal(t, l.contrib.RecoveryCycles, restored.contrib.RecoveryCycles)
	assert.InDelta(t, l.contrib.Maintenance[ModeHeating], restored.contrib.Maintenance[ModeHeating], 0.0001)
	assert.InDelta(t, l.contrib.HeatingRate[ModeHeating], restored.contrib.HeatingRate[ModeHeating], 0.0001)
	assert.InDelta(t, l.undershoot.CumulativeKiMultiplier, restored.undershoot.CumulativeKiMultiplier, 0.0001)
	assert.InDelta(t, l.undershoot.ThermalDebt, restored.undershoot.ThermalDebt, 0.0001)
	assert.Equal(t, l.undershoot.TimeBelowTarget, restored.undershoot.TimeBelowTarget)
	assert.Equal(t, l.Rates().ObservationCount(), restored.Rates().ObservationCount())
	assert.Equal(t, l.CurrentGains(), restored.CurrentGains())
	assert.Equal(t, l.seasonalAutoApplies, restored.seasonalAutoApplies)
	assert.Equal(t, l.modes[ModeHeating].AutoApplyCount, restored.modes[ModeHeating].AutoApplyCount)

	// Restored history carries its mode through the name round trip
	for _, m := range restored.modes[ModeHeating].History {
		assert.Equal(t, ModeHeating, m.Mode)
	}
}
