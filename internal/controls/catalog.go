// Package controls runs labelled calibration experiments through the same
// executor as the main grid. Negative controls contain no phase-locked signal
// at the tested target and measure the false-positive rate; positive controls
// inject one and measure sensitivity.
package controls

import (
	"fmt"

	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/internal/config"
	"phaselock/internal/errors"
)

// Scenario names
const (
	ScenarioPureNoise     = "pure-noise"
	ScenarioRandomPhase   = "random-phase"
	ScenarioMisTargeted   = "mis-targeted"
	ScenarioScrambledData = "scrambled-data"
	ScenarioPerfectLock   = "perfect-lock"
	ScenarioStrongNoisy   = "strong-noisy"
	ScenarioWeakLock      = "weak-lock"
)

// perfectLockNoise keeps phase-randomising nulls defined: a noise-free map
// has zero-power bins whose phase is always 0.
const perfectLockNoise = 1e-3

// Settings are the inputs shared by every scenario
type Settings struct {
	Params          run.Params
	MainTargets     []int
	MainData        run.DataSource
	Seed            int64
	Replicates      int
	Alpha           float64
	FPRCeiling      float64
	DetectionFloor  float64
	Target          int
	MisTargetOffset int
	Rings           int
	SamplesPerRing  int
	NoiseSigma      float64
	WeakAmplitude   float64
}

// FromConfig derives settings from the controls section. Analysis options
// are those of the first grid point so controls exercise the pipeline the
// sweep uses.
func FromConfig(cfg *config.Config, grid []run.Config) (Settings, error) {
	if err := cfg.ValidateControls(); err != nil {
		return Settings{}, err
	}
	if len(grid) == 0 {
		return Settings{}, errors.ConfigInvalid("grid expands to no configurations")
	}
	first := grid[0]
	ctl := cfg.Controls
	s := Settings{
		Params:          first.Params,
		MainTargets:     append([]int(nil), first.Targets...),
		MainData:        first.DataSource.Clone(),
		Seed:            first.Seed,
		Replicates:      ctl.Replicates,
		Alpha:           ctl.Alpha,
		FPRCeiling:      ctl.FPRCeiling,
		DetectionFloor:  ctl.DetectionFloor,
		Target:          ctl.Target,
		MisTargetOffset: ctl.MisTargetOffset,
		Rings:           ctl.Rings,
		SamplesPerRing:  ctl.SamplesPerRing,
		NoiseSigma:      ctl.NoiseSigma,
		WeakAmplitude:   ctl.WeakAmplitude,
	}
	return s, s.Validate()
}

// Validate checks that the synthetic maps fit the analysis options
func (s Settings) Validate() error {
	if s.Replicates <= 0 {
		return errors.ConfigInvalid("controls.replicates must be positive")
	}
	if s.Params.WindowSize > s.Rings {
		return errors.ConfigInvalidf("controls.rings (%d) must be at least the analysis window_size (%d)",
			s.Rings, s.Params.WindowSize)
	}
	if s.Params.Resolution > 1 && s.SamplesPerRing%s.Params.Resolution != 0 {
		return errors.ConfigInvalidf("controls.samples_per_ring (%d) must be divisible by resolution %d",
			s.SamplesPerRing, s.Params.Resolution)
	}
	usable := s.SamplesPerRing / max(s.Params.Resolution, 1)
	if 2*(s.Target+s.MisTargetOffset) >= usable {
		return errors.ConfigInvalidf("controls.target + mis_target_offset must be below %d after decimation", usable/2)
	}
	return nil
}

// Scenario is one labelled control experiment
type Scenario struct {
	Name           string
	Kind           result.ControlKind
	ExpectedSignal bool
	// Gating scenarios decide the verdict; the others are reported only
	Gating      bool
	Description string

	build func(s Settings) (run.DataSource, []int)
}

// Config returns the run configuration of replicate i
func (sc Scenario) Config(s Settings, replicate int) run.Config {
	ds, targets := sc.build(s)
	return run.Config{
		Params:     withTargetSet(s.Params, "control:"+sc.Name),
		Targets:    targets,
		DataSource: ds,
		Seed:       s.Seed + int64(replicate),
	}
}

func withTargetSet(p run.Params, name string) run.Params {
	p.TargetSet = name
	return p
}

func synthetic(s Settings, noise float64, signals ...run.Signal) run.DataSource {
	return run.DataSource{
		Mode: run.DataSynthetic,
		Synthetic: &run.SyntheticSpec{
			Rings:          s.Rings,
			SamplesPerRing: s.SamplesPerRing,
			NoiseSigma:     noise,
			Signals:        signals,
		},
		Transform: run.TransformNone,
	}
}

// NegativeCatalog lists scenarios with no phase-locked signal at the tested target
func NegativeCatalog() []Scenario {
	return []Scenario{
		{
			Name:        ScenarioPureNoise,
			Kind:        result.ControlNegative,
			Gating:      true,
			Description: "Gaussian noise only",
			build: func(s Settings) (run.DataSource, []int) {
				return synthetic(s, s.NoiseSigma), []int{s.Target}
			},
		},
		{
			Name:        ScenarioRandomPhase,
			Kind:        result.ControlNegative,
			Gating:      true,
			Description: "injected harmonic with per-ring phases randomised, magnitudes kept",
			build: func(s Settings) (run.DataSource, []int) {
				ds := synthetic(s, s.NoiseSigma, run.Signal{Target: s.Target, Amplitude: 1})
				ds.Transform = run.TransformRandomPhase
				return ds, []int{s.Target}
			},
		},
		{
			Name:        ScenarioMisTargeted,
			Kind:        result.ControlNegative,
			Gating:      true,
			Description: "harmonic injected at target, analysed at target + mis_target_offset",
			build: func(s Settings) (run.DataSource, []int) {
				ds := synthetic(s, s.NoiseSigma, run.Signal{Target: s.Target, Amplitude: 1})
				return ds, []int{s.Target + s.MisTargetOffset}
			},
		},
		{
			Name:        ScenarioScrambledData,
			Kind:        result.ControlNegative,
			Gating:      true,
			Description: "configured data with samples permuted within each ring, analysed at the grid targets",
			build: func(s Settings) (run.DataSource, []int) {
				ds := s.MainData.Clone()
				ds.Transform = run.TransformScramble
				return ds, append([]int(nil), s.MainTargets...)
			},
		},
	}
}

// PositiveCatalog lists scenarios with a phase-locked harmonic at the tested target
func PositiveCatalog() []Scenario {
	return []Scenario{
		{
			Name:           ScenarioPerfectLock,
			Kind:           result.ControlPositive,
			ExpectedSignal: true,
			Gating:         true,
			Description:    "unit harmonic locked across rings, negligible noise",
			build: func(s Settings) (run.DataSource, []int) {
				return synthetic(s, perfectLockNoise, run.Signal{Target: s.Target, Amplitude: 1}), []int{s.Target}
			},
		},
		{
			Name:           ScenarioStrongNoisy,
			Kind:           result.ControlPositive,
			ExpectedSignal: true,
			Gating:         true,
			Description:    "unit harmonic locked across rings under controls.noise_sigma",
			build: func(s Settings) (run.DataSource, []int) {
				return synthetic(s, s.NoiseSigma, run.Signal{Target: s.Target, Amplitude: 1}), []int{s.Target}
			},
		},
		{
			Name:           ScenarioWeakLock,
			Kind:           result.ControlPositive,
			ExpectedSignal: true,
			Description:    "harmonic at controls.weak_amplitude; sensitivity point, not gating",
			build: func(s Settings) (run.DataSource, []int) {
				return synthetic(s, s.NoiseSigma, run.Signal{Target: s.Target, Amplitude: s.WeakAmplitude}), []int{s.Target}
			},
		},
	}
}

// Catalog returns the scenarios of kind
func Catalog(kind result.ControlKind) ([]Scenario, error) {
	switch kind {
	case result.ControlNegative:
		return NegativeCatalog(), nil
	case result.ControlPositive:
		return PositiveCatalog(), nil
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unknown control type %q", kind))
	}
}
