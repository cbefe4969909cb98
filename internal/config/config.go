// Package config loads the harness configuration: a YAML document checked
// structurally against an embedded JSON Schema and semantically by Validate,
// with a small set of operational values overridable from the environment.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"phaselock/domain/run"
	"phaselock/internal/errors"
	"phaselock/internal/grid"
)

// ToolVersion is recorded in every snapshot unless global.tool_version overrides it
const ToolVersion = "0.4.0"

//go:embed schema.json
var schemaSource string

// Config represents the complete harness configuration
type Config struct {
	Global            GlobalConfig      `yaml:"global"`
	Engine            EngineConfig      `yaml:"engine"`
	Data              run.DataSource    `yaml:"data"`
	TargetSets        map[string][]int  `yaml:"target_sets"`
	Grid              grid.Spec         `yaml:"grid"`
	SuccessThresholds SuccessThresholds `yaml:"success_thresholds"`
	Controls          ControlsConfig    `yaml:"controls"`
	Output            OutputConfig      `yaml:"output"`

	// Path is the file the configuration was read from
	Path string `yaml:"-"`
}

// GlobalConfig holds sweep-wide settings
type GlobalConfig struct {
	OutputRoot  string   `yaml:"output_root"`
	ResultsDir  string   `yaml:"results_dir"`
	Seed        *int64   `yaml:"seed"`
	Workers     int      `yaml:"workers"`
	Resume      bool     `yaml:"resume"`
	RunTimeout  Duration `yaml:"run_timeout"`
	MaxRuns     int      `yaml:"max_runs"`
	ToolVersion string   `yaml:"tool_version"`
}

// EngineConfig selects the analysis engine
type EngineConfig struct {
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Output  string   `yaml:"output"`
	Version string   `yaml:"version"`
}

// SuccessThresholds are the pre-registered decision thresholds
type SuccessThresholds struct {
	PValue               float64 `yaml:"p_value"`
	QValue               float64 `yaml:"q_value"`
	FDRLevel             float64 `yaml:"fdr_level"`
	MinEffectSize        float64 `yaml:"min_effect_size"`
	MaxTargetDiscrepancy float64 `yaml:"max_target_discrepancy"`
}

// ControlsConfig declares the calibration experiments
type ControlsConfig struct {
	Replicates      int     `yaml:"replicates"`
	Alpha           float64 `yaml:"alpha"`
	FPRCeiling      float64 `yaml:"fpr_ceiling"`
	DetectionFloor  float64 `yaml:"detection_floor"`
	Target          int     `yaml:"target"`
	MisTargetOffset int     `yaml:"mis_target_offset"`
	Rings           int     `yaml:"rings"`
	SamplesPerRing  int     `yaml:"samples_per_ring"`
	NoiseSigma      float64 `yaml:"noise_sigma"`
	WeakAmplitude   float64 `yaml:"weak_amplitude"`
}

// OutputConfig holds optional outputs
type OutputConfig struct {
	FullSpectrum bool   `yaml:"full_spectrum"`
	Plots        bool   `yaml:"plots"`
	ArchiveNull  bool   `yaml:"archive_null"`
	XLSX         bool   `yaml:"xlsx"`
	HTML         bool   `yaml:"html"`
	Ledger       string `yaml:"ledger"`
}

// Duration decodes Go duration strings such as "30m"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, validates and completes the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ConfigInvalid(err.Error()), "failed to read configuration %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %s", path)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates a configuration document
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.ConfigInvalidf("decode configuration: %v", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv reads .env files into the process environment; missing files are ignored
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.ConfigInvalidf("configuration is not valid YAML: %v", err)
	}
	if doc == nil {
		return errors.ConfigInvalid("configuration is empty")
	}

	// jsonschema expects JSON-decoded values
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.ConfigInvalidf("configuration cannot be represented as JSON: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return errors.ConfigInvalidf("configuration cannot be represented as JSON: %v", err)
	}

	schema, err := jsonschema.CompileString("config.schema.json", schemaSource)
	if err != nil {
		return errors.Wrap(errors.InternalError(err.Error()), "embedded schema does not compile")
	}
	if err := schema.Validate(value); err != nil {
		return errors.ConfigInvalidf("configuration does not match schema: %v", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Global.OutputRoot == "" {
		c.Global.OutputRoot = "outputs"
	}
	if c.Global.ResultsDir == "" {
		c.Global.ResultsDir = "results"
	}
	if c.Global.Workers == 0 {
		c.Global.Workers = runtime.NumCPU()
	}
	if c.Global.RunTimeout == 0 {
		c.Global.RunTimeout = Duration(30 * time.Minute)
	}
	if c.Global.ToolVersion == "" {
		c.Global.ToolVersion = ToolVersion
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = "builtin"
	}
	if c.Engine.Output == "" {
		c.Engine.Output = "csv"
	}
	if c.Data.Transform == "" {
		c.Data.Transform = run.TransformNone
	}
}

// applyEnv lets the environment override operational settings only
func (c *Config) applyEnv() {
	c.Global.OutputRoot = getEnvOrDefault("PHASELOCK_OUTPUT_ROOT", c.Global.OutputRoot)
	c.Global.ResultsDir = getEnvOrDefault("PHASELOCK_RESULTS_DIR", c.Global.ResultsDir)
	c.Global.Workers = getEnvIntOrDefault("PHASELOCK_WORKERS", c.Global.Workers)
}

// Validate checks semantic constraints the schema cannot express
func (c *Config) Validate() error {
	if c.Global.Workers < 1 {
		return errors.ConfigInvalid("global.workers must be at least 1")
	}
	if c.Global.RunTimeout.Std() <= 0 {
		return errors.ConfigInvalid("global.run_timeout must be positive")
	}
	if c.Engine.Kind == "command" && strings.TrimSpace(c.Engine.Command) == "" {
		return errors.ConfigInvalid("engine.command is required when engine.kind is command")
	}
	if err := c.Data.Validate(); err != nil {
		return errors.WithCode(errors.CodeConfigInvalid, err)
	}
	if err := grid.Validate(c.Grid, c.GridBase()); err != nil {
		return err
	}
	if c.SuccessThresholds.QValue <= 0 || c.SuccessThresholds.FDRLevel <= 0 || c.SuccessThresholds.PValue <= 0 {
		return errors.ConfigInvalid("success_thresholds p_value, q_value and fdr_level must be positive")
	}
	return nil
}

// ValidateControls checks the controls section; it is only required by run-controls
func (c *Config) ValidateControls() error {
	ctl := c.Controls
	var missing []string
	if ctl.Replicates <= 0 {
		missing = append(missing, "replicates")
	}
	if ctl.Alpha <= 0 {
		missing = append(missing, "alpha")
	}
	if ctl.FPRCeiling <= 0 {
		missing = append(missing, "fpr_ceiling")
	}
	if ctl.DetectionFloor <= 0 {
		missing = append(missing, "detection_floor")
	}
	if ctl.Target <= 0 {
		missing = append(missing, "target")
	}
	if ctl.MisTargetOffset < 2 {
		missing = append(missing, "mis_target_offset")
	}
	if ctl.Rings <= 0 || ctl.SamplesPerRing <= 0 {
		missing = append(missing, "rings", "samples_per_ring")
	}
	if ctl.NoiseSigma <= 0 {
		missing = append(missing, "noise_sigma")
	}
	if ctl.WeakAmplitude <= 0 {
		missing = append(missing, "weak_amplitude")
	}
	if len(missing) > 0 {
		return errors.ConfigInvalidf("controls section is incomplete: %s", strings.Join(missing, ", "))
	}
	if 2*(ctl.Target+ctl.MisTargetOffset) >= ctl.SamplesPerRing {
		return errors.ConfigInvalidf("controls.target + mis_target_offset must be below %d", ctl.SamplesPerRing/2)
	}
	return nil
}

// GridBase returns the shared inputs of every grid configuration
func (c *Config) GridBase() grid.Base {
	return grid.Base{
		DataSource: c.Data,
		TargetSets: c.TargetSets,
		Seed:       c.Global.Seed,
	}
}

// Expand expands the configured grid, honouring global.max_runs
func (c *Config) Expand() ([]run.Config, error) {
	return grid.Expand(c.Grid, c.GridBase(), c.Global.MaxRuns)
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
