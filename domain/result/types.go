package result

import (
	"math"
	"time"

	"phaselock/domain/core"
	"phaselock/domain/run"
)

// Flag annotates a result row without removing it
type Flag string

const (
	// FlagNumericallyUnstable marks a row whose statistics are not all finite
	FlagNumericallyUnstable Flag = "numerically_unstable"
)

// RunResult is one (run, target) row produced by a completed run
type RunResult struct {
	RunID      core.RunID    `json:"run_id"`
	Target     int           `json:"target"`
	EffectSize float64       `json:"effect_size"`
	PValue     float64       `json:"p_value"`
	ZScore     float64       `json:"z_score"`
	NullModel  run.NullModel `json:"null_model"`
	MCSamples  int           `json:"mc_samples"`
	Duration   time.Duration `json:"duration"`
	Flags      []Flag        `json:"flags,omitempty"`
}

// Finite reports whether effect size, p-value and z-score are all finite
func (r RunResult) Finite() bool {
	return isFinite(r.EffectSize) && isFinite(r.PValue) && isFinite(r.ZScore)
}

// HasFlag reports whether the row carries f
func (r RunResult) HasFlag(f Flag) bool {
	for _, existing := range r.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

// Unstable reports whether the row was flagged numerically unstable
func (r RunResult) Unstable() bool {
	return r.HasFlag(FlagNumericallyUnstable)
}

// MarkInstability sets the instability flag when any statistic is non-finite
func (r *RunResult) MarkInstability() bool {
	if r.Finite() {
		return false
	}
	if !r.Unstable() {
		r.Flags = append(r.Flags, FlagNumericallyUnstable)
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ControlKind separates calibration catalogs
type ControlKind string

const (
	ControlNegative ControlKind = "negative"
	ControlPositive ControlKind = "positive"
)

// ParseControlKind validates a control catalog name
func ParseControlKind(s string) (ControlKind, error) {
	switch ControlKind(s) {
	case ControlNegative, ControlPositive:
		return ControlKind(s), nil
	default:
		return "", core.NewUnknownOptionError("type", s, []string{string(ControlNegative), string(ControlPositive)})
	}
}

// ControlOutcome is a RunResult from a labeled control scenario with its ground truth
type ControlOutcome struct {
	Scenario       string      `json:"scenario"`
	Kind           ControlKind `json:"kind"`
	Replicate      int         `json:"replicate"`
	ExpectedSignal bool        `json:"expected_signal"`
	Detected       bool        `json:"detected"`
	Failed         bool        `json:"failed"`
	Result         RunResult   `json:"result"`
}

// Correct reports whether the replicate matched its ground truth
func (o ControlOutcome) Correct() bool {
	return !o.Failed && o.Detected == o.ExpectedSignal
}
