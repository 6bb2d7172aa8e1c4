package main

import (
	"time"
)

// PIDController drives one zone's heat demand (duty 0-100%) toward the target
// temperature, with anti-windup protection on the integral term. The learner
// does not own this controller; it only recommends gains for it.
type PIDController struct {
	// PID gains
	Kp float64 // Proportional gain
	Ki float64 // Integral gain
	Kd float64 // Derivative gain

	// Target setpoint
	Target float64

	// Internal state
	Integral  float64   // Accumulated integral term
	PrevError float64   // Previous error for derivative calculation
	PrevTime  time.Time // Previous calculation time
	FirstRun  bool      // True on first run (skip derivative)

	// Output limits
	MinOutput float64 // Minimum output value
	MaxOutput float64 // Maximum output value

	// Anti-windup protection
	IntegralMax float64 // Maximum allowed integral term
}

// PIDTerms contains the individual PID components for monitoring
type PIDTerms struct {
	P     float64 // Proportional term
	I     float64 // Integral term
	D     float64 // Derivative term
	Error float64 // Current error
}

// NewPIDController creates a new PID controller with the specified parameters
func NewPIDController(kp, ki, kd, target, minOutput, maxOutput, integralMax float64) *PIDController {
	return &PIDController{
		Kp:          kp,
		Ki:          ki,
		Kd:          kd,
		Target:      target,
		MinOutput:   minOutput,
		MaxOutput:   maxOutput,
		IntegralMax: integralMax,
		FirstRun:    true,
	}
}

// Calculate computes the heat demand for the given current temperature.
// Error is target minus current: a cold zone produces positive output.
// Returns the output value and individual PID terms for monitoring.
func (p *PIDController) Calculate(current float64) (float64, PIDTerms) {
	now := time.Now()

	err := p.Target - current

	// Time delta in seconds
	var dt float64
	if !p.FirstRun {
		dt = now.Sub(p.PrevTime).Seconds()
	} else {
		dt = 1.0 // Default to 1 second on first run
	}

	// Proportional term
	proportional := p.Kp * err

	// Integral term with anti-windup
	integral := p.Integral + err*p.Ki*dt
	integralClamped := clamp(integral, -p.IntegralMax, p.IntegralMax)

	// Derivative term (skip on first run)
	var derivative float64
	if !p.FirstRun && dt > 0 {
		derivative = p.Kd * (err - p.PrevError) / dt
	}

	output := clamp(proportional+integralClamped+derivative, p.MinOutput, p.MaxOutput)

	// Update internal state
	p.Integral = integralClamped
	p.PrevError = err
	p.PrevTime = now
	p.FirstRun = false

	terms := PIDTerms{
		P:     proportional,
		I:     integralClamped,
		D:     derivative,
		Error: err,
	}

	return output, terms
}

// Reset clears the PID controller state (useful after a rollback or setpoint jump)
func (p *PIDController) Reset() {
	p.Integral = 0
	p.PrevError = 0
	p.PrevTime = time.Time{}
	p.FirstRun = true
}

// SetTarget updates the target setpoint
func (p *PIDController) SetTarget(target float64) {
	p.Target = target
}

// SetGains updates the PID gains
func (p *PIDController) SetGains(kp, ki, kd float64) {
	p.Kp = kp
	p.Ki = ki
	p.Kd = kd
}

// Gains returns the current gains as a snapshot
func (p *PIDController) Gains() Gains {
	return Gains{Kp: p.Kp, Ki: p.Ki, Kd: p.Kd}
}

// SetLimits updates the output limits
func (p *PIDController) SetLimits(minOutput, maxOutput float64) {
	p.MinOutput = minOutput
	p.MaxOutput = maxOutput
}

// SetIntegralMax updates the integral anti-windup limit
func (p *PIDController) SetIntegralMax(integralMax float64) {
	p.IntegralMax = integralMax
}

// GetState returns the current PID controller state for debugging
func (p *PIDController) GetState() map[string]float64 {
	return map[string]float64{
		"kp":           p.Kp,
		"ki":           p.Ki,
		"kd":           p.Kd,
		"target":       p.Target,
		"integral":     p.Integral,
		"prev_error":   p.PrevError,
		"min_output":   p.MinOutput,
		"max_output":   p.MaxOutput,
		"integral_max": p.IntegralMax,
	}
}

// clamp limits a value between min and max
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
