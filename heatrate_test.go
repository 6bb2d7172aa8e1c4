package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRateBinMapping tests the delta and outdoor bin boundaries
func TestRateBinMapping(t *testing.T) {
	tests := []struct {
		name    string
		delta   float64
		outdoor float64
		bin     int
	}{
		{"small delta cold", 1.9, 4.9, 0},
		{"small delta mild", 1.9, 10.0, 1},
		{"small delta warm", 1.9, 15.0, 2},
		{"medium delta mild", 2.0, 5.0, 4},
		{"large delta mild", 4.0, 10.0, 7},
		{"huge delta warm", 8.0, 20.0, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bin, rateBinIndex(tt.delta, tt.outdoor))
		})
	}
}

// TestHeatingRate_Fallback tests the per-type fallback constant
func TestHeatingRate_Fallback(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))

	// Act
	rate, source := learner.HeatingRate(2.5, 10.0)

	// Assert
	assert.InDelta(t, 1.2, rate, 0.001)
	assert.Equal(t, RateTagFallback, source)
}

// TestHeatingRate_MinObservations tests that two observations are not enough
func TestHeatingRate_MinObservations(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	learner.AddCycleObservation(1.5, 2.5, 10.0, time.Hour, t0)
	learner.AddCycleObservation(1.7, 2.5, 10.0, time.Hour, t0)

	// Act
	rate, source := learner.HeatingRate(2.5, 10.0)

	// Assert - still the fallback
	assert.Equal(t, RateTagFallback, source)
	assert.InDelta(t, 1.2, rate, 0.001)
}

// TestHeatingRate_CycleObservations tests the cycle-sourced mean
func TestHeatingRate_CycleObservations(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	learner.AddCycleObservation(1.4, 2.5, 10.0, time.Hour, t0)
	learner.AddCycleObservation(1.6, 2.5, 10.0, time.Hour, t0)
	learner.AddCycleObservation(1.8, 2.5, 10.0, time.Hour, t0)

	// Act
	rate, source := learner.HeatingRate(2.5, 10.0)

	// Assert
	assert.Equal(t, RateTagCycle, source)
	assert.InDelta(t, 1.6, rate, 0.001)

	// A different bin still falls back
	_, source = learner.HeatingRate(6.5, 10.0)
	assert.Equal(t, RateTagFallback, source)
}

// TestHeatingRate_SessionPreferred tests that session data beats cycle data
func TestHeatingRate_SessionPreferred(t *testing.T) {
	// Arrange - three cycle observations in the bin for (2.5°C, 10°C)
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	for i := 0; i < 3; i++ {
		learner.AddCycleObservation(1.6, 2.5, 10.0, time.Hour, t0)
	}

	// Act - run three full sessions landing in the same bin
	for i := 0; i < 3; i++ {
		start := t0.Add(time.Duration(i) * 6 * time.Hour)
		require.True(t, learner.StartSession(17.5, 20.0, 10.0, start))
		obs := learner.EndSession(20.0, SessionEndReached, start.Add(2*time.Hour))
		require.NotNil(t, obs)
		assert.Equal(t, RateSourceSession, obs.Source)
	}

	// Assert - session mean wins: (20.0-17.5)/2h = 1.25°C/h
	rate, source := learner.HeatingRate(2.5, 10.0)
	assert.Equal(t, RateTagSession, source)
	assert.InDelta(t, 1.25, rate, 0.001)
}

// TestStartSession_WhileActive tests the single-session invariant
func TestStartSession_WhileActive(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act - a second start must not replace the running session
	started := learner.StartSession(15.0, 20.0, 10.0, t0.Add(time.Hour))

	// Assert
	assert.False(t, started)
	assert.InDelta(t, 17.0, learner.ActiveSession().StartTemp, 0.001)
}

// TestEndSession_Override tests that an override discards the session data
func TestEndSession_Override(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act - a window opened; the data is invalid
	obs := learner.EndSession(18.5, SessionEndOverride, t0.Add(2*time.Hour))

	// Assert
	assert.Nil(t, obs)
	assert.Nil(t, learner.ActiveSession())
	assert.Equal(t, 0, learner.ObservationCount())
}

// TestEndSession_TooShort tests the minimum-duration guard
func TestEndSession_TooShort(t *testing.T) {
	// Arrange - radiator minimum session duration is 15 minutes
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act
	obs := learner.EndSession(17.3, SessionEndReached, t0.Add(5*time.Minute))

	// Assert - too little signal to bank
	assert.Nil(t, obs)
	assert.Equal(t, 0, learner.ObservationCount())
}

// TestEndSession_BanksRate tests the rate computation and bin placement
func TestEndSession_BanksRate(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act - 3°C climbed in 2 hours
	obs := learner.EndSession(20.0, SessionEndReached, t0.Add(2*time.Hour))

	// Assert
	require.NotNil(t, obs)
	assert.InDelta(t, 1.5, obs.Rate, 0.001)
	assert.Equal(t, RateSourceSession, obs.Source)
	assert.False(t, obs.Stalled)
	assert.Nil(t, learner.ActiveSession())

	// Banked in the bin keyed by the session's starting delta and outdoor snapshot
	bins := learner.Bins()
	assert.Len(t, bins[rateBinIndex(3.0, 10.0)], 1)
	assert.Equal(t, 1, learner.ObservationCount())
}

// TestEndSession_StalledStillBanks tests that stalled sessions keep their data
func TestEndSession_StalledStillBanks(t *testing.T) {
	// Arrange - a stall is real information about the zone's capability
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act
	obs := learner.EndSession(18.0, SessionEndStalled, t0.Add(2*time.Hour))

	// Assert
	require.NotNil(t, obs)
	assert.True(t, obs.Stalled)
	assert.InDelta(t, 0.5, obs.Rate, 0.001)
	assert.Equal(t, 1, learner.ObservationCount())
}

// TestSession_StallDetection tests the cycles-without-progress marker
func TestSession_StallDetection(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act - three cycles with no meaningful temperature progress
	learner.UpdateSession(17.0, 80)
	learner.UpdateSession(17.02, 80)
	assert.False(t, learner.IsStalled())
	learner.UpdateSession(17.05, 80)

	// Assert
	assert.True(t, learner.IsStalled())
}

// TestSession_ProgressResetsStallCounter tests that progress defers the stall
func TestSession_ProgressResetsStallCounter(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	require.True(t, learner.StartSession(17.0, 20.0, 10.0, t0))

	// Act - progress on the first cycle, then two flat cycles
	learner.UpdateSession(17.5, 80)
	learner.UpdateSession(17.52, 80)
	learner.UpdateSession(17.55, 80)

	// Assert - only two cycles since the last progress
	assert.False(t, learner.IsStalled())
}

// TestIsStalled_NoSession tests the no-session case
func TestIsStalled_NoSession(t *testing.T) {
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	assert.False(t, learner.IsStalled())
	assert.Nil(t, learner.EndSession(20.0, SessionEndReached, t0))
}

// TestBank_EvictsOldest tests the per-bin observation cap
func TestBank_EvictsOldest(t *testing.T) {
	// Arrange
	learner := NewHeatingRateLearner(ParamsFor(HeatingRadiator))

	// Act - overfill one bin
	for i := 0; i < binObservationCap+2; i++ {
		learner.AddCycleObservation(float64(i), 2.5, 10.0, time.Hour, t0)
	}

	// Assert - oldest two evicted
	bin := learner.Bins()[rateBinIndex(2.5, 10.0)]
	assert.Len(t, bin, binObservationCap)
	assert.InDelta(t, 2.0, bin[0].Rate, 0.001)
}

// TestRestoreBins_RoundTrip tests persistence of the histogram
func TestRestoreBins_RoundTrip(t *testing.T) {
	// Arrange
	src := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	src.AddCycleObservation(1.5, 2.5, 10.0, time.Hour, t0)
	src.AddCycleObservation(0.8, 5.0, -2.0, 2*time.Hour, t0)

	// Act
	dst := NewHeatingRateLearner(ParamsFor(HeatingRadiator))
	dst.RestoreBins(src.Bins())

	// Assert
	assert.Equal(t, src.ObservationCount(), dst.ObservationCount())
	rate, source := dst.HeatingRate(2.5, 10.0)
	srcRate, srcSource := src.HeatingRate(2.5, 10.0)
	assert.Equal(t, srcSource, source)
	assert.InDelta(t, srcRate, rate, 0.001)
}
