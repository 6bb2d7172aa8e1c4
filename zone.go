package main

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// CycleEvent names the discrete cycle-lifecycle events a zone accepts from
// the scheduling collaborator.
type CycleEvent string

const (
	EventCycleStarted    CycleEvent = "cycle_started"
	EventHeatingStarted  CycleEvent = "heating_started"
	EventHeatingEnded    CycleEvent = "heating_ended"
	EventSettlingStarted CycleEvent = "settling_started"
	EventCycleCompleted  CycleEvent = "cycle_completed"
	EventSetbackRecovery CycleEvent = "setback_recovery"
)

// Retention cap on the per-cycle sample buffer. At a 30s tick this covers a
// day-long cycle, far beyond any real one.
const maxCycleSamples = 2880

// ZoneRuntime is the host-side runtime for one zone: it buffers samples,
// follows the cycle lifecycle, feeds the learner, runs the PID controller the
// learner's recommendations apply to, and persists state. All access funnels
// through one mutex so a control tick is atomic with respect to learner state.
type ZoneRuntime struct {
	name      string
	cfg       ZoneConfig
	control   ControlConfig
	autoApply bool
	debounce  time.Duration
	params    HeatingParams

	mu      sync.Mutex
	learner *AdaptiveLearner
	pid     *PIDController
	store   StateStore

	setpoint    float64
	mode        Mode
	outdoorTemp *float64

	samples         []Sample
	tracker         *PhaseAwareOvershootTracker
	cycleActive     bool
	cycleStart      time.Time
	cycleStartTemp  float64
	heatingStart    time.Time
	heatingEnd      time.Time
	settlingStart   time.Time
	duties          []float64
	setbackRecovery bool

	pauses     map[string]bool
	lastSample *Sample
	lastDuty   float64

	lastPersist time.Time
	dirty       bool
}

// NewZoneRuntime builds the runtime for a configured zone, restoring learner
// state from the store when a record exists.
func NewZoneRuntime(cfg ZoneConfig, control ControlConfig, persistence PersistenceConfig, autoApply bool, store StateStore) (*ZoneRuntime, error) {
	ht, err := ParseHeatingType(cfg.HeatingType)
	if err != nil {
		return nil, fmt.Errorf("zone %s: %w", cfg.Name, err)
	}
	params := ParamsFor(ht)

	blob, err := store.Load(cfg.Name)
	if err != nil {
		log.Printf("zone %s: failed to load persisted state, starting fresh: %v", cfg.Name, err)
		blob = nil
	}
	learner := RestoreLearner(cfg.Name, params, cfg.Baseline, blob)

	gains := learner.CurrentGains()
	z := &ZoneRuntime{
		name:      cfg.Name,
		cfg:       cfg,
		control:   control,
		autoApply: autoApply,
		debounce:  persistence.Debounce,
		params:    params,
		learner:   learner,
		pid:       NewPIDController(gains.Kp, gains.Ki, gains.Kd, cfg.Setpoint, 0, 100, 50),
		store:     store,
		setpoint:  cfg.Setpoint,
		mode:      ModeHeating,
		tracker:   NewPhaseAwareOvershootTracker(),
		pauses:    make(map[string]bool),
	}
	learner.SetPauseCheck(z.anyPauseActive)
	return z, nil
}

// anyPauseActive reports whether any external pause reason is set. Called by
// the learner through its pause capability; callers already hold the zone
// lock or tolerate a stale read.
func (z *ZoneRuntime) anyPauseActive() bool {
	for _, active := range z.pauses {
		if active {
			return true
		}
	}
	return false
}

// SetPause sets or clears an external pause reason (contact sensor open,
// humidity spike, learning grace period). Activating a pause invalidates any
// running recovery session: its data can no longer be trusted.
func (z *ZoneRuntime) SetPause(reason string, active bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.pauses[reason] = active
	if active {
		if z.learner.Rates().ActiveSession() != nil {
			z.learner.Rates().EndSession(z.currentTemp(), SessionEndOverride, time.Now())
			log.Printf("zone %s: recovery session discarded (pause: %s)", z.name, reason)
		}
	}
}

// SetSetpoint updates the target temperature. The overshoot tracker resets:
// measurements against the old setpoint no longer apply.
func (z *ZoneRuntime) SetSetpoint(v float64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.setpoint = v
	z.pid.SetTarget(v)
	z.tracker.Reset()
}

// SetOutdoor updates the current outdoor temperature.
func (z *ZoneRuntime) SetOutdoor(v float64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.outdoorTemp = floatPtr(v)
	z.learner.ObserveOutdoor(v, time.Now())
}

// SetMode switches the active HVAC mode.
func (z *ZoneRuntime) SetMode(m Mode) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.mode = m
}

// currentTemp returns the latest sampled temperature, or the setpoint when no
// sample has arrived yet. Callers hold the lock.
func (z *ZoneRuntime) currentTemp() float64 {
	if z.lastSample != nil {
		return z.lastSample.Temp
	}
	return z.setpoint
}

// AddSample ingests one temperature sample: it extends the cycle buffer,
// advances the phase-aware tracker, and feeds the real-time undershoot
// integrator with the elapsed time since the previous sample.
func (z *ZoneRuntime) AddSample(s Sample) {
	z.mu.Lock()
	defer z.mu.Unlock()

	var dt time.Duration
	if z.lastSample != nil {
		dt = s.Time.Sub(z.lastSample.Time)
	}
	z.lastSample = &s

	if z.cycleActive {
		z.samples = append(z.samples, s)
		if len(z.samples) > maxCycleSamples {
			z.samples = z.samples[len(z.samples)-maxCycleSamples:]
		}
		z.tracker.Observe(s, z.setpoint)
	}

	// The real-time integrator only trusts samples taken while actively
	// heating: an external pause (open window, humidity spike) means the cold
	// reading is not the controller's doing, and a cooling zone below
	// setpoint is not undershooting.
	if z.mode == ModeHeating && !z.anyPauseActive() {
		z.learner.Undershoot().Update(s.Temp, z.setpoint, dt, z.control.ColdTolerance)
	}
	z.dirty = true
}

// HandleEvent applies one cycle-lifecycle event.
func (z *ZoneRuntime) HandleEvent(ev CycleEvent, at time.Time) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	switch ev {
	case EventCycleStarted:
		z.beginCycle(at)
	case EventHeatingStarted:
		z.heatingStart = at
	case EventHeatingEnded:
		z.heatingEnd = at
		z.tracker.HeaterStopped(at)
	case EventSettlingStarted:
		z.settlingStart = at
	case EventCycleCompleted:
		z.completeCycle(at)
	case EventSetbackRecovery:
		z.setbackRecovery = true
	default:
		return fmt.Errorf("unknown cycle event %q", ev)
	}
	return nil
}

// beginCycle resets per-cycle state and, on a recovery-sized starting delta,
// opens a heating-rate session.
func (z *ZoneRuntime) beginCycle(at time.Time) {
	z.cycleActive = true
	z.cycleStart = at
	z.cycleStartTemp = z.currentTemp()
	z.samples = z.samples[:0]
	z.duties = z.duties[:0]
	z.tracker.Reset()
	z.heatingStart = time.Time{}
	z.heatingEnd = time.Time{}
	z.settlingStart = time.Time{}

	delta := z.setpoint - z.cycleStartTemp
	if z.mode == ModeHeating && delta >= z.params.RecoveryThreshold {
		outdoor := 10.0
		if z.outdoorTemp != nil {
			outdoor = *z.outdoorTemp
		}
		if z.learner.Rates().StartSession(z.cycleStartTemp, z.setpoint, outdoor, at) {
			log.Printf("zone %s: recovery session started (delta %.1f°C)", z.name, delta)
		}
	}
}

// completeCycle turns the buffered samples into a CycleMetrics record, feeds
// the learner, closes any session, and applies pending adjustments.
func (z *ZoneRuntime) completeCycle(at time.Time) {
	if !z.cycleActive {
		return
	}
	z.cycleActive = false

	cm, ctx := z.buildCycleMetrics(at)
	z.learner.RecordCycle(cm, ctx)
	recordCycleCompleted(z.name, z.mode)

	if z.learner.Rates().ActiveSession() != nil {
		// Session progress is accounted per heater cycle, not per control
		// tick: one completed cycle is one chance to move the temperature.
		duty := 0.0
		if ctx.EffectiveDuty != nil {
			duty = *ctx.EffectiveDuty
		}
		z.learner.Rates().UpdateSession(z.currentTemp(), duty)

		reason := SessionEndReached
		if z.currentTemp() < z.setpoint-z.control.ColdTolerance {
			if z.learner.Rates().IsStalled() {
				reason = SessionEndStalled
			} else {
				// Cycle ended short of setpoint without a stall: keep the
				// session open across the next cycle.
				reason = ""
			}
		}
		if reason != "" {
			if obs := z.learner.Rates().EndSession(z.currentTemp(), reason, at); obs != nil {
				log.Printf("zone %s: banked session heating rate %.2f°C/h (%s)", z.name, obs.Rate, reason)
			}
		}
	}

	z.applyAdjustments(at)
	z.setbackRecovery = false
	z.dirty = true
	z.persistIfDue(at, false)
}

// buildCycleMetrics runs the cycle analyzer over the buffered samples.
func (z *ZoneRuntime) buildCycleMetrics(at time.Time) (CycleMetrics, CycleContext) {
	m := CycleMetrics{
		Mode:          z.mode,
		ModeName:      z.mode.String(),
		StartingDelta: z.setpoint - z.cycleStartTemp,
		Oscillations:  CountOscillations(z.samples, z.setpoint, z.control.OscillationThreshold),
	}

	if over, ok := z.tracker.Overshoot(z.setpoint); ok {
		m.Overshoot = floatPtr(over)
	}
	if under, ok := CalculateUndershoot(z.samples, z.setpoint); ok {
		m.Undershoot = floatPtr(under)
	}
	if settling, ok := CalculateSettlingTime(z.samples, z.setpoint, z.control.SettlingTolerance, z.settlingStart); ok {
		m.SettlingTime = floatPtr(settling)
	}
	if rise, ok := CalculateRiseTime(z.samples, z.cycleStartTemp, z.setpoint, z.control.SettlingTolerance, z.control.TransportDelay); ok {
		m.RiseTime = floatPtr(rise)
	}
	m.DeadTime = floatPtr(z.control.TransportDelay.Seconds())

	duration := at.Sub(z.cycleStart)
	ctx := CycleContext{
		OutdoorTemp:          z.outdoorTemp,
		NightSetbackRecovery: z.setbackRecovery,
		Duration:             &duration,
	}
	if len(z.duties) > 0 {
		var sum float64
		for _, d := range z.duties {
			sum += d
		}
		ctx.EffectiveDuty = floatPtr(sum / float64(len(z.duties)) / 100)
	}
	if m.RiseTime != nil && *m.RiseTime > 0 {
		rise := z.currentTemp() - z.cycleStartTemp
		if rise > 0 {
			ctx.MeasuredRate = floatPtr(rise / (*m.RiseTime / 60))
		}
	}
	return m, ctx
}

// applyAdjustments commits any recommendation that passed its safety gates:
// an undershoot Ki bump, and with auto-apply enabled, a full gain update that
// opens a validation window.
func (z *ZoneRuntime) applyAdjustments(at time.Time) {
	if mult, reason := z.learner.KiRecommendation(z.mode, at); mult != nil {
		applied := z.learner.ApplyKiAdjustment(at)
		gains := z.pid.Gains()
		gains.Ki *= applied
		z.pid.SetGains(gains.Kp, gains.Ki, gains.Kd)
		recordKiAdjustment(z.name)
		log.Printf("zone %s: undershoot Ki adjustment ×%.2f (%s), ki now %.4f", z.name, applied, reason, gains.Ki)
	}

	if !z.autoApply {
		return
	}
	rec := z.learner.PIDRecommendation(z.mode, z.pid.Gains(), 0, true, z.outdoorTemp, at)
	if rec.Gains == nil {
		if rec.Reason != "insufficient_data" && rec.Reason != "converged" {
			log.Printf("zone %s: auto-apply withheld: %s", z.name, rec.Reason)
		}
		return
	}
	z.pid.SetGains(rec.Gains.Kp, rec.Gains.Ki, rec.Gains.Kd)
	z.learner.ApplyAutoAdjustment(z.mode, *rec.Gains, at)
	recordAutoApply(z.name)
}

// Tick runs one control tick: optional local sensor poll, PID output and
// metric export. The daemon calls it at the configured interval. Session
// bookkeeping lives in completeCycle; a tick never touches it.
func (z *ZoneRuntime) Tick(now time.Time) {
	if z.cfg.Sensor != "" {
		if temp, err := ReadSensorFile(z.cfg.Sensor); err != nil {
			log.Printf("zone %s: sensor read failed: %v", z.name, err)
			recordZoneError(z.name, "sensor")
		} else {
			z.AddSample(Sample{Time: now, Temp: temp})
		}
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	if z.lastSample == nil {
		return
	}

	duty, terms := z.pid.Calculate(z.lastSample.Temp)
	z.lastDuty = duty
	if z.cycleActive && !z.heatingStart.IsZero() && z.heatingEnd.IsZero() {
		z.duties = append(z.duties, duty)
	}
	updateZoneMetrics(z.snapshotLocked(), terms)
	z.persistIfDue(now, false)
}

// persistIfDue saves the learner snapshot when dirty and past the debounce
// interval, or unconditionally when forced. Callers hold the lock.
func (z *ZoneRuntime) persistIfDue(now time.Time, force bool) {
	if !z.dirty {
		return
	}
	if !force && now.Sub(z.lastPersist) < z.debounce {
		return
	}
	data, err := z.learner.Snapshot().Marshal()
	if err != nil {
		log.Printf("zone %s: failed to serialize state: %v", z.name, err)
		recordZoneError(z.name, "persist")
		return
	}
	if err := z.store.Save(z.name, data); err != nil {
		log.Printf("zone %s: failed to persist state: %v", z.name, err)
		recordZoneError(z.name, "persist")
		return
	}
	z.lastPersist = now
	z.dirty = false
}

// DetectorGauges returns the undershoot detector's exported gauge values.
func (z *ZoneRuntime) DetectorGauges() (thermalDebt, kiMultiplier float64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	u := z.learner.Undershoot()
	return u.ThermalDebt, u.CumulativeKiMultiplier
}

// Flush forces a final state save, for shutdown.
func (z *ZoneRuntime) Flush() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.dirty = true
	z.persistIfDue(time.Now(), true)
}

// ZoneStatus is the snapshot reported to collaborators: the learning status
// tag, confidence, and the current recommendations with their reasons.
type ZoneStatus struct {
	Zone              string         `json:"zone"`
	Mode              string         `json:"mode"`
	HeatingType       string         `json:"heating_type"`
	Setpoint          float64        `json:"setpoint"`
	Temperature       *float64       `json:"temperature,omitempty"`
	Duty              float64        `json:"duty"`
	Status            LearningStatus `json:"status"`
	ConfidencePercent float64        `json:"confidence_percent"`
	CyclesCompleted   int            `json:"cycles_completed"`
	Paused            bool           `json:"paused"`

	Recommendation   Recommendation `json:"recommendation"`
	KiRecommendation *float64       `json:"ki_recommendation,omitempty"`
	KiReason         string         `json:"ki_reason"`

	HeatingRate       float64 `json:"heating_rate"`
	HeatingRateSource string  `json:"heating_rate_source"`

	// Diagnostic fields, populated only when debug reporting is enabled.
	Debug *ZoneDebug `json:"debug,omitempty"`
}

// ZoneDebug carries the extra diagnostic state exposed in debug mode.
type ZoneDebug struct {
	ThermalDebt            float64       `json:"thermal_debt"`
	TimeBelowTarget        time.Duration `json:"time_below_target"`
	CumulativeKiMultiplier float64       `json:"cumulative_ki_multiplier"`
	ConsecutiveFailures    int           `json:"consecutive_failures"`
	RateObservations       int           `json:"rate_observations"`
	ValidationActive       bool          `json:"validation_active"`
	Gains                  Gains         `json:"gains"`
}

// Status returns a snapshot of the zone. debug threads the configured
// diagnostic flag in explicitly rather than reading ambient state.
func (z *ZoneRuntime) Status(debug bool) ZoneStatus {
	z.mu.Lock()
	defer z.mu.Unlock()
	st := z.snapshotLocked()
	if debug {
		u := z.learner.Undershoot()
		st.Debug = &ZoneDebug{
			ThermalDebt:            u.ThermalDebt,
			TimeBelowTarget:        u.TimeBelowTarget,
			CumulativeKiMultiplier: u.CumulativeKiMultiplier,
			ConsecutiveFailures:    u.ConsecutiveFailures,
			RateObservations:       z.learner.Rates().ObservationCount(),
			ValidationActive:       z.learner.ValidationActive(),
			Gains:                  z.pid.Gains(),
		}
	}
	return st
}

// snapshotLocked assembles the status copy. Callers hold the lock.
func (z *ZoneRuntime) snapshotLocked() ZoneStatus {
	now := time.Now()
	st := ZoneStatus{
		Zone:              z.name,
		Mode:              z.mode.String(),
		HeatingType:       string(z.params.Type),
		Setpoint:          z.setpoint,
		Duty:              z.lastDuty,
		Status:            z.learner.Status(z.mode),
		ConfidencePercent: z.learner.ConfidencePercent(z.mode),
		CyclesCompleted:   z.learner.CyclesCompleted(z.mode),
		Paused:            z.anyPauseActive(),
		Recommendation:    z.learner.PIDRecommendation(z.mode, z.pid.Gains(), 0, false, nil, now),
	}
	if z.lastSample != nil {
		st.Temperature = floatPtr(z.lastSample.Temp)
	}
	st.KiRecommendation, st.KiReason = z.learner.KiRecommendation(z.mode, now)

	outdoor := 10.0
	if z.outdoorTemp != nil {
		outdoor = *z.outdoorTemp
	}
	st.HeatingRate, st.HeatingRateSource = z.learner.HeatingRate(z.setpoint-z.currentTemp(), outdoor)
	return st
}
