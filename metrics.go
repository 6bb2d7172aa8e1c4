package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the zone controller
type Metrics struct {
	// Zone thermal state
	ZoneTemperature *prometheus.GaugeVec // Current temperature per zone
	ZoneSetpoint    *prometheus.GaugeVec // Target temperature per zone
	ZoneDuty        *prometheus.GaugeVec // Heat demand per zone (%)

	// Learning state
	Confidence    *prometheus.GaugeVec // Convergence confidence (0-100) per zone and mode
	LearningTier  *prometheus.GaugeVec // Learning status as a tier number (0=idle .. 4=optimized)
	HeatingRate   *prometheus.GaugeVec // Learned heating rate estimate (°C/h)
	ThermalDebt   *prometheus.GaugeVec // Accumulated thermal debt (°C·h)
	KiMultiplier  *prometheus.GaugeVec // Cumulative undershoot Ki multiplier
	CyclesTotal   *prometheus.CounterVec
	AutoApplies   *prometheus.CounterVec
	KiAdjustments *prometheus.CounterVec

	// PID terms
	PIDProportional *prometheus.GaugeVec
	PIDIntegral     *prometheus.GaugeVec
	PIDDerivative   *prometheus.GaugeVec
	PIDError        *prometheus.GaugeVec

	// System
	ErrorsTotal  *prometheus.CounterVec
	TickDuration prometheus.Histogram
}

// Global metrics instance
var metrics *Metrics

// statusTier maps a learning status tag onto a monotone tier number for the
// gauge, so dashboards can alert on regressions.
func statusTier(s LearningStatus) float64 {
	switch s {
	case StatusCollecting:
		return 1
	case StatusStable:
		return 2
	case StatusTuned:
		return 3
	case StatusOptimized:
		return 4
	default:
		return 0
	}
}

// InitMetrics initializes all Prometheus metrics
func InitMetrics() *Metrics {
	zoneLabels := []string{"zone"}
	zoneModeLabels := []string{"zone", "mode"}

	metrics = &Metrics{
		ZoneTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_temperature_celsius",
				Help: "Current zone temperature in Celsius",
			},
			zoneLabels,
		),
		ZoneSetpoint: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_setpoint_celsius",
				Help: "Zone target temperature in Celsius",
			},
			zoneLabels,
		),
		ZoneDuty: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_duty_percent",
				Help: "Current heat demand duty cycle percentage",
			},
			zoneLabels,
		),
		Confidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_confidence_percent",
				Help: "Learning convergence confidence (0-100)",
			},
			zoneModeLabels,
		),
		LearningTier: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_learning_tier",
				Help: "Learning status tier (0=idle, 1=collecting, 2=stable, 3=tuned, 4=optimized)",
			},
			zoneModeLabels,
		),
		HeatingRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_heating_rate_celsius_per_hour",
				Help: "Current heating rate estimate with its source",
			},
			[]string{"zone", "source"},
		),
		ThermalDebt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_thermal_debt_celsius_hours",
				Help: "Accumulated thermal debt below setpoint",
			},
			zoneLabels,
		),
		KiMultiplier: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_ki_multiplier",
				Help: "Cumulative undershoot Ki multiplier",
			},
			zoneLabels,
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zone_controller_cycles_total",
				Help: "Completed heating/cooling cycles",
			},
			zoneModeLabels,
		),
		AutoApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zone_controller_auto_applies_total",
				Help: "Auto-applied gain adjustments",
			},
			zoneLabels,
		),
		KiAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zone_controller_ki_adjustments_total",
				Help: "Undershoot Ki adjustments applied",
			},
			zoneLabels,
		),
		PIDProportional: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_pid_proportional",
				Help: "PID proportional term",
			},
			zoneLabels,
		),
		PIDIntegral: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_pid_integral",
				Help: "PID integral term",
			},
			zoneLabels,
		),
		PIDDerivative: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_pid_derivative",
				Help: "PID derivative term",
			},
			zoneLabels,
		),
		PIDError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zone_controller_pid_error_celsius",
				Help: "PID error in Celsius",
			},
			zoneLabels,
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zone_controller_errors_total",
				Help: "Total number of errors by zone and type",
			},
			[]string{"zone", "type"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zone_controller_tick_duration_seconds",
				Help:    "Control tick execution time in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		metrics.ZoneTemperature,
		metrics.ZoneSetpoint,
		metrics.ZoneDuty,
		metrics.Confidence,
		metrics.LearningTier,
		metrics.HeatingRate,
		metrics.ThermalDebt,
		metrics.KiMultiplier,
		metrics.CyclesTotal,
		metrics.AutoApplies,
		metrics.KiAdjustments,
		metrics.PIDProportional,
		metrics.PIDIntegral,
		metrics.PIDDerivative,
		metrics.PIDError,
		metrics.ErrorsTotal,
		metrics.TickDuration,
	)

	return metrics
}

// updateZoneMetrics publishes one zone's status snapshot and PID terms.
func updateZoneMetrics(st ZoneStatus, terms PIDTerms) {
	if metrics == nil {
		return
	}
	if st.Temperature != nil {
		metrics.ZoneTemperature.WithLabelValues(st.Zone).Set(*st.Temperature)
	}
	metrics.ZoneSetpoint.WithLabelValues(st.Zone).Set(st.Setpoint)
	metrics.ZoneDuty.WithLabelValues(st.Zone).Set(st.Duty)
	metrics.Confidence.WithLabelValues(st.Zone, st.Mode).Set(st.ConfidencePercent)
	metrics.LearningTier.WithLabelValues(st.Zone, st.Mode).Set(statusTier(st.Status))
	metrics.HeatingRate.WithLabelValues(st.Zone, st.HeatingRateSource).Set(st.HeatingRate)

	metrics.PIDProportional.WithLabelValues(st.Zone).Set(terms.P)
	metrics.PIDIntegral.WithLabelValues(st.Zone).Set(terms.I)
	metrics.PIDDerivative.WithLabelValues(st.Zone).Set(terms.D)
	metrics.PIDError.WithLabelValues(st.Zone).Set(terms.Error)
}

// updateDetectorMetrics publishes the undershoot detector gauges.
func updateDetectorMetrics(zone string, debt float64, kiMultiplier float64) {
	if metrics == nil {
		return
	}
	metrics.ThermalDebt.WithLabelValues(zone).Set(debt)
	metrics.KiMultiplier.WithLabelValues(zone).Set(kiMultiplier)
}

// recordCycleCompleted counts one finished cycle.
func recordCycleCompleted(zone string, mode Mode) {
	if metrics == nil {
		return
	}
	metrics.CyclesTotal.WithLabelValues(zone, mode.String()).Inc()
}

// recordAutoApply counts one auto-applied gain adjustment.
func recordAutoApply(zone string) {
	if metrics == nil {
		return
	}
	metrics.AutoApplies.WithLabelValues(zone).Inc()
}

// recordKiAdjustment counts one undershoot Ki adjustment.
func recordKiAdjustment(zone string) {
	if metrics == nil {
		return
	}
	metrics.KiAdjustments.WithLabelValues(zone).Inc()
}

// recordZoneError increments the error counter for a zone and type.
func recordZoneError(zone, errorType string) {
	if metrics == nil {
		return
	}
	metrics.ErrorsTotal.WithLabelValues(zone, errorType).Inc()
}

// observeTickDuration records one control tick's wall time.
func observeTickDuration(seconds float64) {
	if metrics == nil {
		return
	}
	metrics.TickDuration.Observe(seconds)
}
