package main

// CycleOutcome classifies how a completed cycle ended for weighting purposes.
type CycleOutcome int

const (
	OutcomeClean CycleOutcome = iota
	OutcomeOvershoot
	OutcomeUndershoot
)

// Weight calculator constants. Recovery cycles carry more evidence than
// maintenance cycles, and harder conditions earn additive bonuses.
const (
	baseWeightRecovery    = 2.0
	baseWeightMaintenance = 1.0

	deltaMultiplierScale = 0.25
	deltaMultiplierCap   = 2.0

	outcomeFactorClean      = 1.0
	outcomeFactorOvershoot  = 0.7
	outcomeFactorUndershoot = 0.5

	bonusHighDuty        = 0.3
	bonusColdOutdoor     = 0.3
	bonusSetbackRecovery = 0.5

	highDutyThreshold    = 0.7
	coldOutdoorThreshold = 0.0
)

// WeightInputs carries everything the weight calculator needs about one cycle.
// EffectiveDuty and OutdoorTemp are nil when the host could not supply them.
type WeightInputs struct {
	StartingDelta        float64
	Stable               bool
	Outcome              CycleOutcome
	EffectiveDuty        *float64
	OutdoorTemp          *float64
	NightSetbackRecovery bool
}

// IsRecoveryCycle reports whether a cycle with the given starting delta counts
// as recovery under the current learning status. Thresholds rise once the zone
// is stable, so recovery gets harder to qualify for as the system matures.
func (p HeatingParams) IsRecoveryCycle(startingDelta float64, stable bool) bool {
	return startingDelta >= p.RecoveryThresholdFor(stable)
}

// CycleWeight computes the confidence weight of one completed cycle:
// challenge = base × delta multiplier × outcome factor, plus fixed bonuses for
// high duty, cold outdoor conditions and night-setback recovery.
func (p HeatingParams) CycleWeight(in WeightInputs) float64 {
	recovery := p.IsRecoveryCycle(in.StartingDelta, in.Stable)

	base := baseWeightMaintenance
	deltaMult := 1.0
	if recovery {
		base = baseWeightRecovery
		threshold := p.RecoveryThresholdFor(in.Stable)
		deltaMult = clamp(1+(in.StartingDelta-threshold)*deltaMultiplierScale, 1.0, deltaMultiplierCap)
	}

	outcome := outcomeFactorClean
	switch in.Outcome {
	case OutcomeOvershoot:
		outcome = outcomeFactorOvershoot
	case OutcomeUndershoot:
		outcome = outcomeFactorUndershoot
	}

	challenge := base * deltaMult * outcome

	var bonuses float64
	if in.EffectiveDuty != nil && *in.EffectiveDuty > highDutyThreshold {
		bonuses += bonusHighDuty
	}
	if in.OutdoorTemp != nil && *in.OutdoorTemp < coldOutdoorThreshold {
		bonuses += bonusColdOutdoor
	}
	if in.NightSetbackRecovery {
		bonuses += bonusSetbackRecovery
	}

	return challenge + bonuses
}

// ConfidenceContributionTracker accumulates, per HVAC mode, the confidence a
// zone has earned from maintenance cycles (soft-capped with diminishing
// returns) and from heating-rate observations (hard-capped), plus the recovery
// cycle count that gates tier progression.
type ConfidenceContributionTracker struct {
	Maintenance    [modeCount]float64
	HeatingRate    [modeCount]float64
	RecoveryCycles [modeCount]int
}

// ApplyMaintenanceGain adds maintenance-cycle confidence for a mode. At or
// above the cap the gain only applies at the diminishing rate; a gain that
// would cross the cap is split, the portion under the cap at full value and
// the remainder diminished. Returns the gain actually applied.
func (t *ConfidenceContributionTracker) ApplyMaintenanceGain(gain float64, mode Mode, p HeatingParams) float64 {
	if gain <= 0 {
		return 0
	}

	current := t.Maintenance[mode]
	cap := p.MaintenanceCap

	var applied float64
	switch {
	case current >= cap:
		applied = gain * maintenanceDiminishing
	case current+gain > cap:
		under := cap - current
		applied = under + (gain-under)*maintenanceDiminishing
	default:
		applied = gain
	}

	t.Maintenance[mode] = current + applied
	return applied
}

// ApplyHeatingRateGain adds heating-rate confidence for a mode. The cap is
// hard: anything beyond it is silently dropped. Returns the gain applied.
func (t *ConfidenceContributionTracker) ApplyHeatingRateGain(gain float64, mode Mode, p HeatingParams) float64 {
	if gain <= 0 {
		return 0
	}

	room := p.HeatingRateCap - t.HeatingRate[mode]
	if room <= 0 {
		return 0
	}
	if gain > room {
		gain = room
	}
	t.HeatingRate[mode] += gain
	return gain
}

// RecordRecoveryCycle counts one completed recovery cycle toward tier gates.
func (t *ConfidenceContributionTracker) RecordRecoveryCycle(mode Mode) {
	t.RecoveryCycles[mode]++
}

// CanReachTier reports whether the recovery-cycle gate for the given tier is
// open. Tiers 1 (stable) and 2 (tuned) require a minimum number of recovery
// cycles regardless of numeric confidence; maintenance cycles alone cannot
// push a zone past collecting. Tier 3 and above have no cycle requirement.
func (t *ConfidenceContributionTracker) CanReachTier(tier int, mode Mode, p HeatingParams) bool {
	switch tier {
	case 1:
		return t.RecoveryCycles[mode] >= p.MinRecoveryCyclesTier1
	case 2:
		return t.RecoveryCycles[mode] >= p.MinRecoveryCyclesTier2
	default:
		return true
	}
}
