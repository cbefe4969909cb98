package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaselock/adapters/datasource"
	"phaselock/domain/core"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	"phaselock/ports"
)

func lockedMap(rings, samples, k int, phase func(r int) float64) *skymap.Map {
	m := skymap.New(rings, samples)
	for r := 0; r < rings; r++ {
		for j := range m.Ring(r) {
			m.Ring(r)[j] = math.Cos(2*math.Pi*float64(k*j)/float64(samples) + phase(r))
		}
	}
	return m
}

func TestPLV(t *testing.T) {
	locked := lockedMap(8, 64, 5, func(int) float64 { return 0.7 })
	assert.InDelta(t, 1.0, PLV(locked, 5), 1e-9)

	opposed := lockedMap(8, 64, 5, func(r int) float64 { return math.Pi * float64(r%2) })
	assert.InDelta(t, 0.0, PLV(opposed, 5), 1e-9)

	silent := skymap.New(4, 64)
	assert.True(t, math.IsNaN(PLV(silent, 5)))
}

func request(signal float64, targets []int, mc int) ports.AnalysisRequest {
	ds := run.DataSource{
		Mode: run.DataSynthetic,
		Synthetic: &run.SyntheticSpec{
			Rings:          24,
			SamplesPerRing: 128,
			NoiseSigma:     1,
			Signals:        []run.Signal{{Target: 20, Amplitude: signal, Phase: 0.4}},
		},
	}
	if signal == 0 {
		ds.Synthetic.Signals = nil
	}
	cfg := run.Config{
		Params: run.Params{
			WindowSize:     16,
			WindowFunction: skymap.WindowHann,
			Resolution:     1,
			NullModel:      run.NullPhaseShuffle,
			MCSamples:      mc,
			TargetSet:      "test",
		},
		Targets:    targets,
		DataSource: ds,
		Seed:       42,
	}
	return ports.AnalysisRequest{RunID: cfg.ID(), Config: cfg, FullSpectrum: true, ArchiveNull: true}
}

func TestCoherenceDetectsLockedHarmonic(t *testing.T) {
	eng := NewCoherence(datasource.New(nil), nil)
	out, err := eng.Analyze(context.Background(), request(1.0, []int{20}, 99))
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	row := out.Rows[0]
	assert.Equal(t, 20, row.Target)
	assert.Greater(t, row.EffectSize, 0.9)
	assert.InDelta(t, 0.01, row.PValue, 1e-12)
	assert.Greater(t, row.ZScore, 3.0)

	assert.Equal(t, FormatCSV, out.Format)
	assert.True(t, strings.HasPrefix(string(out.Raw), "target,effect_size,p_value,z_score\n"))
	assert.Contains(t, out.Artifacts, "spectrum.csv")
	assert.Equal(t, 1+99, strings.Count(string(out.Artifacts["null_distribution.csv"]), "\n"))
}

func TestCoherenceIsDeterministic(t *testing.T) {
	eng := NewCoherence(datasource.New(nil), nil)
	a, err := eng.Analyze(context.Background(), request(0.1, []int{20, 22}, 40))
	require.NoError(t, err)
	b, err := eng.Analyze(context.Background(), request(0.1, []int{20, 22}, 40))
	require.NoError(t, err)
	assert.Equal(t, a.Raw, b.Raw)
}

func TestCoherencePValueNeverZero(t *testing.T) {
	eng := NewCoherence(datasource.New(nil), nil)
	out, err := eng.Analyze(context.Background(), request(0, []int{20, 30}, 19))
	require.NoError(t, err)
	for _, row := range out.Rows {
		assert.GreaterOrEqual(t, row.PValue, 1.0/20)
		assert.LessOrEqual(t, row.PValue, 1.0)
	}
}

func TestCoherenceRejectsTargetsAboveNyquist(t *testing.T) {
	eng := NewCoherence(datasource.New(nil), nil)
	_, err := eng.Analyze(context.Background(), request(1, []int{64}, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTargetOutOfRange))
}

func TestCoherenceHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCoherence(datasource.New(nil), nil).Analyze(ctx, request(1, []int{20}, 50))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrepareSelectsCentralBand(t *testing.T) {
	m := skymap.New(10, 8)
	for r := 0; r < 10; r++ {
		for j := range m.Ring(r) {
			m.Ring(r)[j] = float64(r)
		}
	}
	band, err := Prepare(m, run.Params{WindowSize: 4, Resolution: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, band.Rings)
	assert.Equal(t, 4, band.Samples)
	assert.Equal(t, 3.0, band.Ring(0)[0])
}
