package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Serialized state format versions. Records older than the oldest supported
// version, newer than the current version, or structurally broken all restore
// to safe defaults; a restore is never fatal and never leaves a learner
// half-initialized.
const (
	stateVersion           = 10
	oldestSupportedVersion = 5
)

// persistedMode is the per-HVAC-mode slice of a state record.
type persistedMode struct {
	History              []CycleMetrics `json:"history"`
	AutoApplyCount       int            `json:"auto_apply_count"`
	Confidence           float64        `json:"confidence"`
	LastAdjustment       time.Time      `json:"last_adjustment,omitempty"`
	ConsecutiveConverged int            `json:"consecutive_converged,omitempty"` // v10+
}

// persistedContribution is one mode's confidence-contribution state. Before
// v8 a single instance was shared by both modes.
type persistedContribution struct {
	Maintenance    float64 `json:"maintenance"`
	HeatingRate    float64 `json:"heating_rate"`
	RecoveryCycles int     `json:"recovery_cycles"`
}

// persistedUndershoot is the undershoot detector's durable state (v9+).
type persistedUndershoot struct {
	CumulativeKiMultiplier float64       `json:"cumulative_ki_multiplier"`
	LastAdjustment         time.Time     `json:"last_adjustment,omitempty"`
	TimeBelowTarget        time.Duration `json:"time_below_target"`
	ThermalDebt            float64       `json:"thermal_debt"`
	ConsecutiveFailures    int           `json:"consecutive_failures"`
}

// StateRecord is the full serialized form of one zone's learner, at the
// current version. Older records are upgraded into this shape step by step.
type StateRecord struct {
	Version int    `json:"version"`
	Zone    string `json:"zone"`

	Modes             map[string]persistedMode         `json:"modes"`
	RateBins          [][]HeatingRateObservation       `json:"rate_bins,omitempty"`          // v6+
	Contribution      *persistedContribution           `json:"contribution,omitempty"`       // v7, legacy single value
	ModeContributions map[string]persistedContribution `json:"mode_contributions,omitempty"` // v8+
	Undershoot        *persistedUndershoot             `json:"undershoot,omitempty"`         // v9+

	// v10+
	LastAdjustment time.Time `json:"last_adjustment,omitempty"`
	KeConverged    bool      `json:"ke_converged,omitempty"`

	GainSnapshots       []GainSnapshot `json:"gain_snapshots,omitempty"`
	Baseline            *Gains         `json:"baseline,omitempty"`
	SeasonalAutoApplies int            `json:"seasonal_auto_applies,omitempty"`
	LastSeasonShift     time.Time      `json:"last_season_shift,omitempty"`
}

// looseRecord defers decoding of every compound substructure so one malformed
// collection defaults without discarding the rest of the record.
type looseRecord struct {
	Version int    `json:"version"`
	Zone    string `json:"zone"`

	Modes             json.RawMessage `json:"modes"`
	RateBins          json.RawMessage `json:"rate_bins"`
	Contribution      json.RawMessage `json:"contribution"`
	ModeContributions json.RawMessage `json:"mode_contributions"`
	Undershoot        json.RawMessage `json:"undershoot"`

	LastAdjustment json.RawMessage `json:"last_adjustment"`
	KeConverged    bool            `json:"ke_converged"`

	GainSnapshots       json.RawMessage `json:"gain_snapshots"`
	Baseline            json.RawMessage `json:"baseline"`
	SeasonalAutoApplies int             `json:"seasonal_auto_applies"`
	LastSeasonShift     json.RawMessage `json:"last_season_shift"`
}

// decodeInto unmarshals raw into dst, substituting the zero value and logging
// when the substructure is malformed. Absent (nil) fields are silent.
func decodeInto(zone, field string, raw json.RawMessage, dst interface{}) {
	if len(raw) == 0 {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Printf("zone %s: malformed %s in persisted state, using defaults: %v", zone, field, err)
	}
}

// decodeRecord parses a serialized blob into a StateRecord at whatever
// version it was written, without migration.
func decodeRecord(data []byte) (*StateRecord, error) {
	var loose looseRecord
	if err := json.Unmarshal(data, &loose); err != nil {
		return nil, fmt.Errorf("failed to parse state record: %w", err)
	}
	if loose.Version > stateVersion {
		return nil, fmt.Errorf("state record version %d is newer than supported %d", loose.Version, stateVersion)
	}
	if loose.Version < oldestSupportedVersion {
		return nil, fmt.Errorf("state record version %d predates oldest supported %d", loose.Version, oldestSupportedVersion)
	}

	rec := &StateRecord{Version: loose.Version, Zone: loose.Zone, KeConverged: loose.KeConverged,
		SeasonalAutoApplies: loose.SeasonalAutoApplies}
	decodeInto(loose.Zone, "modes", loose.Modes, &rec.Modes)
	decodeInto(loose.Zone, "rate_bins", loose.RateBins, &rec.RateBins)
	decodeInto(loose.Zone, "contribution", loose.Contribution, &rec.Contribution)
	decodeInto(loose.Zone, "mode_contributions", loose.ModeContributions, &rec.ModeContributions)
	decodeInto(loose.Zone, "undershoot", loose.Undershoot, &rec.Undershoot)
	decodeInto(loose.Zone, "last_adjustment", loose.LastAdjustment, &rec.LastAdjustment)
	decodeInto(loose.Zone, "gain_snapshots", loose.GainSnapshots, &rec.GainSnapshots)
	decodeInto(loose.Zone, "baseline", loose.Baseline, &rec.Baseline)
	decodeInto(loose.Zone, "last_season_shift", loose.LastSeasonShift, &rec.LastSeasonShift)
	return rec, nil
}

// One upgrade step per version, applied in sequence. Each step fills the
// fields its target version introduced with safe defaults.

func upgradeV5toV6(r *StateRecord) {
	if r.RateBins == nil {
		r.RateBins = make([][]HeatingRateObservation, rateBinCount)
	}
	r.Version = 6
}

func upgradeV6toV7(r *StateRecord) {
	if r.Contribution == nil {
		r.Contribution = &persistedContribution{}
	}
	r.Version = 7
}

// upgradeV7toV8 splits the legacy single contribution across both modes, the
// backward-compatible read path for pre-split records.
func upgradeV7toV8(r *StateRecord) {
	if r.ModeContributions == nil {
		r.ModeContributions = make(map[string]persistedContribution)
		if r.Contribution != nil {
			r.ModeContributions[ModeHeating.String()] = *r.Contribution
			r.ModeContributions[ModeCooling.String()] = *r.Contribution
		}
	}
	r.Version = 8
}

func upgradeV8toV9(r *StateRecord) {
	if r.Undershoot == nil {
		r.Undershoot = &persistedUndershoot{CumulativeKiMultiplier: 1.0}
	}
	r.Version = 9
}

func upgradeV9toV10(r *StateRecord) {
	// LastAdjustment, ConsecutiveConverged and KeConverged default to zero
	// values, which are already correct for records that predate them.
	r.Version = 10
}

var upgradeSteps = []struct {
	from    int
	upgrade func(*StateRecord)
}{
	{5, upgradeV5toV6},
	{6, upgradeV6toV7},
	{7, upgradeV7toV8},
	{8, upgradeV8toV9},
	{9, upgradeV9toV10},
}

// migrateRecord brings a decoded record up to the current version.
func migrateRecord(r *StateRecord) {
	for _, step := range upgradeSteps {
		if r.Version == step.from {
			step.upgrade(r)
		}
	}
}

// Snapshot serializes the learner's full state as a current-version record.
func (l *AdaptiveLearner) Snapshot() *StateRecord {
	rec := &StateRecord{
		Version:             stateVersion,
		Zone:                l.zone,
		Modes:               make(map[string]persistedMode, modeCount),
		RateBins:            l.rates.Bins(),
		ModeContributions:   make(map[string]persistedContribution, modeCount),
		LastAdjustment:      l.lastAdjustment,
		KeConverged:         l.keConverged,
		GainSnapshots:       append([]GainSnapshot(nil), l.snapshots...),
		Baseline:            &Gains{Kp: l.baseline.Kp, Ki: l.baseline.Ki, Kd: l.baseline.Kd},
		SeasonalAutoApplies: l.seasonalAutoApplies,
		LastSeasonShift:     l.lastSeasonShift,
	}
	for mode := Mode(0); mode < modeCount; mode++ {
		ms := l.modes[mode]
		history := make([]CycleMetrics, len(ms.History))
		for i, m := range ms.History {
			m.ModeName = m.Mode.String()
			history[i] = m
		}
		rec.Modes[mode.String()] = persistedMode{
			History:              history,
			AutoApplyCount:       ms.AutoApplyCount,
			Confidence:           ms.Confidence,
			LastAdjustment:       ms.LastAdjustment,
			ConsecutiveConverged: ms.ConsecutiveConverged,
		}
		rec.ModeContributions[mode.String()] = persistedContribution{
			Maintenance:    l.contrib.Maintenance[mode],
			HeatingRate:    l.contrib.HeatingRate[mode],
			RecoveryCycles: l.contrib.RecoveryCycles[mode],
		}
	}
	rec.Undershoot = &persistedUndershoot{
		CumulativeKiMultiplier: l.undershoot.CumulativeKiMultiplier,
		LastAdjustment:         l.undershoot.LastAdjustmentWall,
		TimeBelowTarget:        l.undershoot.TimeBelowTarget,
		ThermalDebt:            l.undershoot.ThermalDebt,
		ConsecutiveFailures:    l.undershoot.ConsecutiveFailures,
	}
	return rec
}

// Marshal encodes the record as JSON.
func (r *StateRecord) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state record: %w", err)
	}
	return data, nil
}

// RestoreLearner builds a learner from a serialized blob. Any failure falls
// back to a fresh default learner; the worst outcome of a corrupt record is a
// zone that starts learning over.
func RestoreLearner(zone string, params HeatingParams, baseline Gains, data []byte) *AdaptiveLearner {
	l := NewAdaptiveLearner(zone, params, baseline)
	if len(data) == 0 {
		return l
	}

	rec, err := decodeRecord(data)
	if err != nil {
		log.Printf("zone %s: unusable persisted state, starting fresh: %v", zone, err)
		return l
	}
	migrateRecord(rec)
	l.restore(rec)
	return l
}

// restore loads a migrated, current-version record into the learner. Values
// with invariants (confidence range, cumulative multiplier cap) are clamped
// at the point of mutation so a hand-edited or damaged record cannot put the
// learner into an illegal state.
func (l *AdaptiveLearner) restore(rec *StateRecord) {
	for mode := Mode(0); mode < modeCount; mode++ {
		pm, ok := rec.Modes[mode.String()]
		if !ok {
			continue
		}
		ms := &l.modes[mode]
		history := pm.History
		if len(history) > cycleHistoryCap {
			history = history[len(history)-cycleHistoryCap:]
		}
		ms.History = make([]CycleMetrics, len(history))
		for i, m := range history {
			if parsed, err := ParseMode(m.ModeName); err == nil {
				m.Mode = parsed
			} else {
				m.Mode = mode
			}
			ms.History[i] = m
		}
		ms.AutoApplyCount = pm.AutoApplyCount
		ms.Confidence = clamp(pm.Confidence, 0, 1)
		ms.LastAdjustment = pm.LastAdjustment
		ms.ConsecutiveConverged = pm.ConsecutiveConverged

		if pc, ok := rec.ModeContributions[mode.String()]; ok {
			l.contrib.Maintenance[mode] = pc.Maintenance
			l.contrib.HeatingRate[mode] = clamp(pc.HeatingRate, 0, l.params.HeatingRateCap)
			l.contrib.RecoveryCycles[mode] = pc.RecoveryCycles
		}
	}

	l.rates.RestoreBins(rec.RateBins)

	if u := rec.Undershoot; u != nil {
		l.undershoot.CumulativeKiMultiplier = clamp(u.CumulativeKiMultiplier, 1.0, maxUndershootKiMultiplier)
		l.undershoot.LastAdjustmentWall = u.LastAdjustment
		if u.TimeBelowTarget > 0 {
			l.undershoot.TimeBelowTarget = u.TimeBelowTarget
		}
		l.undershoot.ThermalDebt = clamp(u.ThermalDebt, 0, thermalDebtCap)
		if u.ConsecutiveFailures > 0 {
			l.undershoot.ConsecutiveFailures = u.ConsecutiveFailures
		}
	}

	l.lastAdjustment = rec.LastAdjustment
	l.keConverged = rec.KeConverged
	l.seasonalAutoApplies = rec.SeasonalAutoApplies
	l.lastSeasonShift = rec.LastSeasonShift
	if rec.Baseline != nil {
		l.baseline = *rec.Baseline
	}
	if len(rec.GainSnapshots) > 0 {
		l.snapshots = append([]GainSnapshot(nil), rec.GainSnapshots...)
	}
}
