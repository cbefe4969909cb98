package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"phaselock/domain/core"
	"phaselock/domain/run"
	apperrors "phaselock/internal/errors"
)

func base() Base {
	seed := int64(42)
	return Base{
		DataSource: run.DataSource{
			Mode:      run.DataSynthetic,
			Synthetic: &run.SyntheticSpec{Rings: 48, SamplesPerRing: 512, NoiseSigma: 1},
		},
		TargetSets: map[string][]int{"primary": {137, 139}, "wide": {100, 137, 139, 160}},
		Seed:       &seed,
	}
}

func decode(t *testing.T, doc string) Spec {
	t.Helper()
	var s Spec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &s))
	return s
}

const fullGrid = `
window_size: [16, 32, 48]
window_function: [none, hann]
resolution: [1]
null_model: [phase-shuffle, phi-roll]
mc_samples: [99]
target_set: [primary, wide]
`

func TestExpandProducesFullUniqueProduct(t *testing.T) {
	spec := decode(t, fullGrid)
	assert.Equal(t, 24, spec.Size())

	configs, err := Expand(spec, base(), 0)
	require.NoError(t, err)
	require.Len(t, configs, 3*2*1*2*1*2)

	ids := make(map[core.RunID]bool)
	for _, c := range configs {
		assert.False(t, ids[c.ID()], "duplicate config %+v", c.Params)
		ids[c.ID()] = true
		assert.Equal(t, int64(42), c.Seed)
	}
}

func TestFirstDeclaredDimensionVariesSlowest(t *testing.T) {
	spec := decode(t, `
null_model: [phi-roll, phase-shuffle]
window_size: [32, 16]
window_function: [hann]
resolution: [1]
mc_samples: [10]
target_set: [primary]
`)
	configs, err := Expand(spec, base(), 0)
	require.NoError(t, err)
	require.Len(t, configs, 4)

	got := make([]string, len(configs))
	for i, c := range configs {
		got[i] = string(c.Params.NullModel) + "/" + c.ParamValue(run.ParamWindowSize)
	}
	assert.Equal(t, []string{"phi-roll/32", "phi-roll/16", "phase-shuffle/32", "phase-shuffle/16"}, got)

	again, err := Expand(spec, base(), 0)
	require.NoError(t, err)
	for i := range configs {
		assert.Equal(t, configs[i].ID(), again[i].ID())
	}
}

func TestExpandTruncates(t *testing.T) {
	configs, err := Expand(decode(t, fullGrid), base(), 5)
	require.NoError(t, err)
	assert.Len(t, configs, 5)

	all, err := Expand(decode(t, fullGrid), base(), 0)
	require.NoError(t, err)
	assert.Equal(t, all[:5], configs)
}

func TestSeedDimension(t *testing.T) {
	b := base()
	b.Seed = nil
	spec := decode(t, fullGrid+"seed: [1, 2]\n")
	configs, err := Expand(spec, b, 0)
	require.NoError(t, err)
	assert.Len(t, configs, 48)
	assert.Equal(t, int64(1), configs[0].Seed)
	assert.Equal(t, int64(2), configs[1].Seed)

	_, err = Expand(decode(t, fullGrid), b, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConfigInvalid))
}

func TestTargetSetResolvesTargets(t *testing.T) {
	configs, err := Expand(decode(t, fullGrid), base(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{137, 139}, configs[0].Targets)
	assert.Equal(t, []int{100, 137, 139, 160}, configs[1].Targets)
}

func TestInvalidGrids(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"empty dimension", `
window_size: []
window_function: [hann]
resolution: [1]
null_model: [phi-roll]
mc_samples: [10]
target_set: [primary]
`, core.ErrEmptyDimension},
		{"unknown dimension", fullGrid + "projection: [mollweide]\n", core.ErrUnknownOption},
		{"unknown window", `
window_size: [16]
window_function: [blackman]
resolution: [1]
null_model: [phi-roll]
mc_samples: [10]
target_set: [primary]
`, core.ErrUnknownOption},
		{"pure noise is not a grid null model", `
window_size: [16]
window_function: [hann]
resolution: [1]
null_model: [pure-noise]
mc_samples: [10]
target_set: [primary]
`, core.ErrUnknownOption},
		{"undefined target set", `
window_size: [16]
window_function: [hann]
resolution: [1]
null_model: [phi-roll]
mc_samples: [10]
target_set: [secondary]
`, core.ErrUnknownOption},
		{"missing dimension", `
window_size: [16]
window_function: [hann]
null_model: [phi-roll]
mc_samples: [10]
target_set: [primary]
`, nil},
		{"non integer", `
window_size: [16.5]
window_function: [hann]
resolution: [1]
null_model: [phi-roll]
mc_samples: [10]
target_set: [primary]
`, nil},
		{"duplicate value", `
window_size: [16, 16]
window_function: [hann]
resolution: [1]
null_model: [phi-roll]
mc_samples: [10]
target_set: [primary]
`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Expand(decode(t, tt.doc), base(), 0)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeConfigInvalid), "got %v", err)
			assert.Equal(t, apperrors.ExitConfig, apperrors.ExitCode(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSpecRejectsNonListDimension(t *testing.T) {
	var s Spec
	err := yaml.Unmarshal([]byte("window_size: 16\n"), &s)
	assert.Error(t, err)
}
