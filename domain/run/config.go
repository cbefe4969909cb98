package run

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"phaselock/domain/core"
	"phaselock/domain/skymap"
)

// NullModel names a surrogate-generation scheme
type NullModel string

const (
	NullPhaseShuffle NullModel = "phase-shuffle"
	NullPhiRoll      NullModel = "phi-roll"
	NullPureNoise    NullModel = "pure-noise"
	NullRandomPhase  NullModel = "random-phase"
	NullScramble     NullModel = "scramble"
)

// GridNullModels are the null models a grid may sweep over
var GridNullModels = []string{string(NullPhaseShuffle), string(NullPhiRoll)}

// ParseGridNullModel validates a null model usable for building null distributions
func ParseGridNullModel(s string) (NullModel, error) {
	switch NullModel(s) {
	case NullPhaseShuffle, NullPhiRoll:
		return NullModel(s), nil
	default:
		return "", core.NewUnknownOptionError("null_model", s, GridNullModels)
	}
}

// DataMode selects how input maps are obtained
type DataMode string

const (
	DataSynthetic DataMode = "synthetic"
	DataFile      DataMode = "file"
)

// Transform is applied to a loaded map before analysis; controls use it
// to build scrambled or phase-randomized versions of real data.
type Transform string

const (
	TransformNone        Transform = "none"
	TransformScramble    Transform = "scramble"
	TransformRandomPhase Transform = "random-phase"
)

// Signal is a phase-locked harmonic injected into every ring of a synthetic map
type Signal struct {
	Target    int     `yaml:"target" json:"target"`
	Amplitude float64 `yaml:"amplitude" json:"amplitude"`
	Phase     float64 `yaml:"phase" json:"phase"`
}

// SyntheticSpec describes a generated map
type SyntheticSpec struct {
	Rings          int      `yaml:"rings" json:"rings"`
	SamplesPerRing int      `yaml:"samples_per_ring" json:"samples_per_ring"`
	NoiseSigma     float64  `yaml:"noise_sigma" json:"noise_sigma"`
	Signals        []Signal `yaml:"signals,omitempty" json:"signals,omitempty"`
}

// FileSpec describes a map stored on disk, one ring per row
type FileSpec struct {
	Path   string `yaml:"path" json:"path"`
	Format string `yaml:"format" json:"format"`
	Sheet  string `yaml:"sheet,omitempty" json:"sheet,omitempty"`
}

// DataSource is the data descriptor carried by every run configuration
type DataSource struct {
	Mode      DataMode       `yaml:"mode" json:"mode"`
	Synthetic *SyntheticSpec `yaml:"synthetic,omitempty" json:"synthetic,omitempty"`
	File      *FileSpec      `yaml:"file,omitempty" json:"file,omitempty"`
	Transform Transform      `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Describe returns a short human-readable reference to the source
func (d DataSource) Describe() string {
	switch d.Mode {
	case DataFile:
		if d.File != nil {
			return d.File.Path
		}
	case DataSynthetic:
		if d.Synthetic != nil {
			return fmt.Sprintf("synthetic(%dx%d,sigma=%s)", d.Synthetic.Rings, d.Synthetic.SamplesPerRing,
				canonicalFloat(d.Synthetic.NoiseSigma))
		}
	}
	return string(d.Mode)
}

// Validate checks that the descriptor is complete for its mode
func (d DataSource) Validate() error {
	switch d.Mode {
	case DataSynthetic:
		s := d.Synthetic
		if s == nil {
			return core.NewValidationError("data.synthetic", "required for synthetic mode")
		}
		if s.Rings <= 0 || s.SamplesPerRing <= 0 {
			return core.NewValidationError("data.synthetic", "rings and samples_per_ring must be positive")
		}
		if s.NoiseSigma < 0 {
			return core.NewValidationError("data.synthetic.noise_sigma", "must not be negative")
		}
		for i, sig := range s.Signals {
			if sig.Target <= 0 || 2*sig.Target >= s.SamplesPerRing {
				return core.NewValidationError(fmt.Sprintf("data.synthetic.signals[%d].target", i),
					fmt.Sprintf("must be in [1, %d)", (s.SamplesPerRing+1)/2))
			}
		}
	case DataFile:
		if d.File == nil || strings.TrimSpace(d.File.Path) == "" {
			return core.NewValidationError("data.file.path", "required for file mode")
		}
		switch d.File.Format {
		case "csv", "xlsx":
		default:
			return core.NewUnknownOptionError("data.file.format", d.File.Format, []string{"csv", "xlsx"})
		}
	default:
		return core.NewUnknownOptionError("data.mode", string(d.Mode), []string{string(DataSynthetic), string(DataFile)})
	}
	switch d.Transform {
	case "", TransformNone, TransformScramble, TransformRandomPhase:
	default:
		return core.NewUnknownOptionError("data.transform", string(d.Transform),
			[]string{string(TransformNone), string(TransformScramble), string(TransformRandomPhase)})
	}
	return nil
}

// Params are the analysis options swept by the grid
type Params struct {
	WindowSize     int                   `yaml:"window_size" json:"window_size"`
	WindowFunction skymap.WindowFunction `yaml:"window_function" json:"window_function"`
	Resolution     int                   `yaml:"resolution" json:"resolution"`
	NullModel      NullModel             `yaml:"null_model" json:"null_model"`
	MCSamples      int                   `yaml:"mc_samples" json:"mc_samples"`
	TargetSet      string                `yaml:"target_set" json:"target_set"`
}

// Parameter names as they appear in grid declarations and summary columns
const (
	ParamWindowSize     = "window_size"
	ParamWindowFunction = "window_function"
	ParamResolution     = "resolution"
	ParamNullModel      = "null_model"
	ParamMCSamples      = "mc_samples"
	ParamTargetSet      = "target_set"
	ParamSeed           = "seed"
)

// ParamNames lists every sweepable parameter in canonical column order
var ParamNames = []string{
	ParamWindowSize, ParamWindowFunction, ParamResolution,
	ParamNullModel, ParamMCSamples, ParamTargetSet, ParamSeed,
}

// Config is one concrete grid point. It is never mutated after expansion.
type Config struct {
	Params     Params     `yaml:"params" json:"params"`
	Targets    []int      `yaml:"targets" json:"targets"`
	DataSource DataSource `yaml:"data_source" json:"data_source"`
	Seed       int64      `yaml:"seed" json:"seed"`
}

// ID returns the content-derived run identifier
func (c Config) ID() core.RunID {
	return Identify(c)
}

// Identify hashes the canonical serialization of cfg and truncates it to RunIDLength hex characters
func Identify(cfg Config) core.RunID {
	return core.RunID(core.NewHash([]byte(Canonical(cfg))).Short(core.RunIDLength))
}

// Canonical serializes cfg as sorted key=value lines with normalized numbers
func Canonical(cfg Config) string {
	fields := canonicalFields(cfg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func canonicalFields(cfg Config) map[string]string {
	f := map[string]string{
		"params.window_size":     strconv.Itoa(cfg.Params.WindowSize),
		"params.window_function": string(cfg.Params.WindowFunction),
		"params.resolution":      strconv.Itoa(cfg.Params.Resolution),
		"params.null_model":      string(cfg.Params.NullModel),
		"params.mc_samples":      strconv.Itoa(cfg.Params.MCSamples),
		"params.target_set":      cfg.Params.TargetSet,
		"targets":                joinInts(cfg.Targets),
		"seed":                   strconv.FormatInt(cfg.Seed, 10),
		"data.mode":              string(cfg.DataSource.Mode),
		"data.transform":         string(normalizeTransform(cfg.DataSource.Transform)),
	}
	if s := cfg.DataSource.Synthetic; s != nil {
		f["data.synthetic.rings"] = strconv.Itoa(s.Rings)
		f["data.synthetic.samples_per_ring"] = strconv.Itoa(s.SamplesPerRing)
		f["data.synthetic.noise_sigma"] = canonicalFloat(s.NoiseSigma)
		for i, sig := range s.Signals {
			prefix := fmt.Sprintf("data.synthetic.signals.%d.", i)
			f[prefix+"target"] = strconv.Itoa(sig.Target)
			f[prefix+"amplitude"] = canonicalFloat(sig.Amplitude)
			f[prefix+"phase"] = canonicalFloat(sig.Phase)
		}
	}
	if file := cfg.DataSource.File; file != nil {
		f["data.file.path"] = file.Path
		f["data.file.format"] = file.Format
		f["data.file.sheet"] = file.Sheet
	}
	return f
}

func normalizeTransform(t Transform) Transform {
	if t == "" {
		return TransformNone
	}
	return t
}

// canonicalFloat renders the shortest round-trip form; -0 becomes 0
func canonicalFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ParamValue returns the value of a swept parameter as a summary column string
func (c Config) ParamValue(name string) string {
	switch name {
	case ParamWindowSize:
		return strconv.Itoa(c.Params.WindowSize)
	case ParamWindowFunction:
		return string(c.Params.WindowFunction)
	case ParamResolution:
		return strconv.Itoa(c.Params.Resolution)
	case ParamNullModel:
		return string(c.Params.NullModel)
	case ParamMCSamples:
		return strconv.Itoa(c.Params.MCSamples)
	case ParamTargetSet:
		return c.Params.TargetSet
	case ParamSeed:
		return strconv.FormatInt(c.Seed, 10)
	default:
		return ""
	}
}

// Validate checks every option against its enumerated set and range
func (c Config) Validate() error {
	if c.Params.WindowSize <= 0 {
		return core.NewValidationError(ParamWindowSize, "must be positive")
	}
	if _, err := skymap.ParseWindowFunction(string(c.Params.WindowFunction)); err != nil {
		return core.NewUnknownOptionError(ParamWindowFunction, string(c.Params.WindowFunction), skymap.WindowFunctions)
	}
	if c.Params.Resolution <= 0 {
		return core.NewValidationError(ParamResolution, "must be positive")
	}
	if _, err := ParseGridNullModel(string(c.Params.NullModel)); err != nil {
		return err
	}
	if c.Params.MCSamples <= 0 {
		return core.NewValidationError(ParamMCSamples, "must be positive")
	}
	if len(c.Targets) == 0 {
		return core.NewValidationError("targets", "at least one target is required")
	}
	for _, t := range c.Targets {
		if t <= 0 {
			return fmt.Errorf("%w: %d", core.ErrTargetOutOfRange, t)
		}
	}
	return c.DataSource.Validate()
}

// WithSeed returns a copy of c with a different seed
func (c Config) WithSeed(seed int64) Config {
	out := c.clone()
	out.Seed = seed
	return out
}

// WithTargets returns a copy of c testing a different target list
func (c Config) WithTargets(name string, targets []int) Config {
	out := c.clone()
	out.Params.TargetSet = name
	out.Targets = append([]int(nil), targets...)
	return out
}

// WithDataSource returns a copy of c reading a different data source
func (c Config) WithDataSource(ds DataSource) Config {
	out := c.clone()
	out.DataSource = ds.Clone()
	return out
}

func (c Config) clone() Config {
	out := c
	out.Targets = append([]int(nil), c.Targets...)
	out.DataSource = c.DataSource.Clone()
	return out
}

// Clone deep-copies the descriptor
func (d DataSource) Clone() DataSource {
	out := d
	if d.Synthetic != nil {
		s := *d.Synthetic
		s.Signals = append([]Signal(nil), d.Synthetic.Signals...)
		out.Synthetic = &s
	}
	if d.File != nil {
		f := *d.File
		out.File = &f
	}
	return out
}
