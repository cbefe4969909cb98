// Package grid expands a declared parameter grid into concrete run
// configurations. Dimensions keep their declaration order and the first
// declared dimension varies slowest, so enumeration is reproducible.
package grid

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"phaselock/domain/core"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	apperrors "phaselock/internal/errors"
)

// RequiredDimensions must be declared by every grid; seed is optional when a global seed exists
var RequiredDimensions = []string{
	run.ParamWindowSize,
	run.ParamWindowFunction,
	run.ParamResolution,
	run.ParamNullModel,
	run.ParamMCSamples,
	run.ParamTargetSet,
}

// Dimension is one swept parameter with its candidate values as declared
type Dimension struct {
	Name   string
	Values []string
}

// Spec is an ordered list of dimensions
type Spec struct {
	Dimensions []Dimension
}

// UnmarshalYAML keeps the mapping's key order
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("grid must be a mapping of dimension name to list of values (line %d)", node.Line)
	}
	s.Dimensions = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.SequenceNode {
			return fmt.Errorf("grid.%s must be a list (line %d)", key.Value, value.Line)
		}
		dim := Dimension{Name: key.Value, Values: make([]string, 0, len(value.Content))}
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("grid.%s values must be scalars (line %d)", key.Value, item.Line)
			}
			dim.Values = append(dim.Values, item.Value)
		}
		s.Dimensions = append(s.Dimensions, dim)
	}
	return nil
}

// Lookup returns the named dimension
func (s Spec) Lookup(name string) (Dimension, bool) {
	for _, d := range s.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Size is the number of configurations before truncation
func (s Spec) Size() int {
	if len(s.Dimensions) == 0 {
		return 0
	}
	n := 1
	for _, d := range s.Dimensions {
		n *= len(d.Values)
	}
	return n
}

// Base carries the non-swept inputs every configuration shares
type Base struct {
	DataSource run.DataSource
	TargetSets map[string][]int
	Seed       *int64
}

// Validate checks the grid declaration against the recognized option set
func Validate(spec Spec, base Base) error {
	_, err := parse(spec, base)
	return err
}

// Expand returns the Cartesian product of spec over base, truncated to maxRuns when maxRuns > 0
func Expand(spec Spec, base Base, maxRuns int) ([]run.Config, error) {
	dims, err := parse(spec, base)
	if err != nil {
		return nil, err
	}

	total := 1
	for _, d := range dims {
		total *= len(d.values)
	}
	if maxRuns > 0 && maxRuns < total {
		total = maxRuns
	}

	configs := make([]run.Config, 0, total)
	index := make([]int, len(dims))
	for len(configs) < total {
		cfg := run.Config{DataSource: base.DataSource.Clone()}
		if base.Seed != nil {
			cfg.Seed = *base.Seed
		}
		for d, dim := range dims {
			dim.apply(&cfg, dim.values[index[d]], base)
		}
		if err := cfg.Validate(); err != nil {
			return nil, apperrors.WithCode(apperrors.CodeConfigInvalid, err)
		}
		configs = append(configs, cfg)

		// odometer: the last dimension varies fastest
		for d := len(dims) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < len(dims[d].values) {
				break
			}
			index[d] = 0
		}
	}
	return configs, nil
}

type parsedDimension struct {
	name   string
	values []interface{}
	apply  func(cfg *run.Config, v interface{}, base Base)
}

func parse(spec Spec, base Base) ([]parsedDimension, error) {
	seen := make(map[string]bool)
	dims := make([]parsedDimension, 0, len(spec.Dimensions))

	for _, d := range spec.Dimensions {
		if seen[d.Name] {
			return nil, apperrors.ConfigInvalidf("grid.%s is declared twice", d.Name)
		}
		seen[d.Name] = true
		if len(d.Values) == 0 {
			return nil, apperrors.WithCode(apperrors.CodeConfigInvalid,
				fmt.Errorf("%w: grid.%s", core.ErrEmptyDimension, d.Name))
		}

		pd, err := parseDimension(d, base)
		if err != nil {
			return nil, apperrors.WithCode(apperrors.CodeConfigInvalid, err)
		}
		dims = append(dims, pd)
	}

	for _, name := range RequiredDimensions {
		if !seen[name] {
			return nil, apperrors.ConfigInvalidf("grid.%s is required", name)
		}
	}
	if !seen[run.ParamSeed] && base.Seed == nil {
		return nil, apperrors.ConfigInvalid("global.seed is required when the grid does not sweep seed")
	}
	return dims, nil
}

func parseDimension(d Dimension, base Base) (parsedDimension, error) {
	pd := parsedDimension{name: d.Name}
	unique := make(map[string]bool, len(d.Values))

	for _, raw := range d.Values {
		raw = strings.TrimSpace(raw)
		var (
			v   interface{}
			key string
		)
		switch d.Name {
		case run.ParamWindowSize, run.ParamResolution, run.ParamMCSamples:
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return pd, core.NewValidationError("grid."+d.Name, fmt.Sprintf("%q is not a positive integer", raw))
			}
			v, key = n, strconv.Itoa(n)
		case run.ParamWindowFunction:
			w, err := skymap.ParseWindowFunction(raw)
			if err != nil {
				return pd, core.NewUnknownOptionError("grid."+d.Name, raw, skymap.WindowFunctions)
			}
			v, key = w, string(w)
		case run.ParamNullModel:
			m, err := run.ParseGridNullModel(raw)
			if err != nil {
				return pd, err
			}
			v, key = m, string(m)
		case run.ParamTargetSet:
			targets, ok := base.TargetSets[raw]
			if !ok {
				return pd, fmt.Errorf("grid.target_set: %w: %q is not defined in target_sets", core.ErrUnknownOption, raw)
			}
			if len(targets) == 0 {
				return pd, core.NewValidationError("target_sets."+raw, "must list at least one target")
			}
			v, key = raw, raw
		case run.ParamSeed:
			s, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return pd, core.NewValidationError("grid.seed", fmt.Sprintf("%q is not an integer", raw))
			}
			v, key = s, strconv.FormatInt(s, 10)
		default:
			return pd, core.NewUnknownOptionError("grid", d.Name, append(append([]string(nil), RequiredDimensions...), run.ParamSeed))
		}
		if unique[key] {
			return pd, core.NewValidationError("grid."+d.Name, fmt.Sprintf("value %s is listed twice", key))
		}
		unique[key] = true
		pd.values = append(pd.values, v)
	}

	pd.apply = applier(d.Name)
	return pd, nil
}

func applier(name string) func(cfg *run.Config, v interface{}, base Base) {
	switch name {
	case run.ParamWindowSize:
		return func(cfg *run.Config, v interface{}, _ Base) { cfg.Params.WindowSize = v.(int) }
	case run.ParamResolution:
		return func(cfg *run.Config, v interface{}, _ Base) { cfg.Params.Resolution = v.(int) }
	case run.ParamMCSamples:
		return func(cfg *run.Config, v interface{}, _ Base) { cfg.Params.MCSamples = v.(int) }
	case run.ParamWindowFunction:
		return func(cfg *run.Config, v interface{}, _ Base) { cfg.Params.WindowFunction = v.(skymap.WindowFunction) }
	case run.ParamNullModel:
		return func(cfg *run.Config, v interface{}, _ Base) { cfg.Params.NullModel = v.(run.NullModel) }
	case run.ParamTargetSet:
		return func(cfg *run.Config, v interface{}, base Base) {
			name := v.(string)
			cfg.Params.TargetSet = name
			cfg.Targets = append([]int(nil), base.TargetSets[name]...)
		}
	default:
		return func(cfg *run.Config, v interface{}, _ Base) { cfg.Seed = v.(int64) }
	}
}
