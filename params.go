package main

import (
	"fmt"
	"time"
)

// Mode identifies the HVAC direction a cycle ran in. Heating and cooling keep
// fully separate learning state, so Mode doubles as an index into per-mode arrays.
type Mode int

const (
	ModeHeating Mode = iota
	ModeCooling

	modeCount = 2
)

// String returns the mode name used in logs, metrics labels and persisted records.
func (m Mode) String() string {
	if m == ModeCooling {
		return "cooling"
	}
	return "heating"
}

// ParseMode converts a persisted or API-provided mode name back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "heating":
		return ModeHeating, nil
	case "cooling":
		return ModeCooling, nil
	}
	return ModeHeating, fmt.Errorf("unknown mode %q", s)
}

// HeatingType identifies the emitter class of a zone. Thermal mass differs by
// orders of magnitude between types, so every threshold in the learning core is
// looked up through a HeatingType.
type HeatingType string

const (
	HeatingFloorHydronic HeatingType = "floor_hydronic"
	HeatingRadiator      HeatingType = "radiator"
	HeatingConvector     HeatingType = "convector"
)

// ParseHeatingType validates a configured heating type string.
func ParseHeatingType(s string) (HeatingType, error) {
	switch HeatingType(s) {
	case HeatingFloorHydronic, HeatingRadiator, HeatingConvector:
		return HeatingType(s), nil
	}
	return "", fmt.Errorf("unknown heating type %q", s)
}

// HeatingParams bundles every per-heating-type tuning constant used by the
// learning core. Values come from the built-in table; selected fields can be
// overridden from the config file.
type HeatingParams struct {
	Type HeatingType

	// Recovery classification: a cycle counts as recovery when its starting
	// delta reaches the threshold. The threshold rises once the zone reaches
	// stable learning status, making recovery harder to qualify for.
	RecoveryThreshold       float64
	RecoveryThresholdStable float64

	// Undershoot detector.
	AdjustmentCooldown  time.Duration
	KiStepMultiplier    float64
	UndershootThreshold float64
	MinCycleDuration    time.Duration
	MinConsecutiveFails int
	DebtThreshold       float64 // °C·h
	TimeBelowThreshold  time.Duration

	// Heating rate learner.
	FallbackHeatingRate float64 // °C/h
	MinSessionDuration  time.Duration

	// Confidence contribution caps.
	MaintenanceCap float64
	HeatingRateCap float64

	// Recovery cycles required to unlock tier 1 (stable) and tier 2 (tuned).
	MinRecoveryCyclesTier1 int
	MinRecoveryCyclesTier2 int
}

// Global learning constants shared by all heating types.
const (
	maxUndershootKiMultiplier = 2.0
	minCyclesForLearning      = 10
	thermalDebtCap            = 10.0 // °C·h
	maintenanceDiminishing    = 0.25
	cycleHistoryCap           = 50
	binObservationCap         = 10
	sessionMinObservations    = 3
	stallCycles               = 3
	sessionProgressMin        = 0.1 // °C

	minCyclesForRecommendation = 3
	recommendationWindow       = 5

	lifetimeAutoApplyCap = 10
	seasonalAutoApplyCap = 3
	maxBaselineDriftPct  = 0.50
	seasonShiftHoldoff   = 48 * time.Hour
	seasonShiftDelta     = 8.0 // °C regime change
	validationCycles     = 5
	degradationThreshold = 0.3 // °C above baseline overshoot

	maxGainStep = 0.20 // per-recommendation clamp on any single gain

	// Peak tracking after the heater stops: excursions later than this are
	// attributed to external gain, not the controller.
	peakTrackingWindow = 30 * time.Minute
)

// Learning status tier thresholds on convergence confidence.
const (
	confidenceStable    = 0.40
	confidenceTuned     = 0.65
	confidenceOptimized = 0.85
)

var heatingParamTable = map[HeatingType]HeatingParams{
	HeatingFloorHydronic: {
		Type:                    HeatingFloorHydronic,
		RecoveryThreshold:       1.5,
		RecoveryThresholdStable: 2.0,
		AdjustmentCooldown:      24 * time.Hour,
		KiStepMultiplier:        1.30,
		UndershootThreshold:     0.4,
		MinCycleDuration:        45 * time.Minute,
		MinConsecutiveFails:     2,
		DebtThreshold:           2.0,
		TimeBelowThreshold:      3 * time.Hour,
		FallbackHeatingRate:     0.3,
		MinSessionDuration:      30 * time.Minute,
		MaintenanceCap:          0.30,
		HeatingRateCap:          0.15,
		MinRecoveryCyclesTier1:  3,
		MinRecoveryCyclesTier2:  6,
	},
	HeatingRadiator: {
		Type:                    HeatingRadiator,
		RecoveryThreshold:       1.0,
		RecoveryThresholdStable: 1.5,
		AdjustmentCooldown:      12 * time.Hour,
		KiStepMultiplier:        1.25,
		UndershootThreshold:     0.5,
		MinCycleDuration:        20 * time.Minute,
		MinConsecutiveFails:     3,
		DebtThreshold:           1.5,
		TimeBelowThreshold:      2 * time.Hour,
		FallbackHeatingRate:     1.2,
		MinSessionDuration:      15 * time.Minute,
		MaintenanceCap:          0.25,
		HeatingRateCap:          0.12,
		MinRecoveryCyclesTier1:  4,
		MinRecoveryCyclesTier2:  8,
	},
	HeatingConvector: {
		Type:                    HeatingConvector,
		RecoveryThreshold:       0.8,
		RecoveryThresholdStable: 1.2,
		AdjustmentCooldown:      6 * time.Hour,
		KiStepMultiplier:        1.20,
		UndershootThreshold:     0.6,
		MinCycleDuration:        10 * time.Minute,
		MinConsecutiveFails:     3,
		DebtThreshold:           1.0,
		TimeBelowThreshold:      1 * time.Hour,
		FallbackHeatingRate:     2.5,
		MinSessionDuration:      10 * time.Minute,
		MaintenanceCap:          0.20,
		HeatingRateCap:          0.10,
		MinRecoveryCyclesTier1:  5,
		MinRecoveryCyclesTier2:  10,
	},
}

// ParamsFor returns the parameter set for a heating type. Unknown types fall
// back to radiator parameters, the middle of the road.
func ParamsFor(ht HeatingType) HeatingParams {
	if p, ok := heatingParamTable[ht]; ok {
		return p
	}
	return heatingParamTable[HeatingRadiator]
}

// RecoveryThresholdFor returns the starting-delta threshold that qualifies a
// cycle as recovery, accounting for the stable-status ramp.
func (p HeatingParams) RecoveryThresholdFor(stable bool) float64 {
	if stable {
		return p.RecoveryThresholdStable
	}
	return p.RecoveryThreshold
}
