package nullmodel

import (
	"math"
	"math/cmplx"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"

	"phaselock/domain/run"
	"phaselock/domain/skymap"
)

func testMap(rings, samples int) *skymap.Map {
	r := rand.New(rand.NewSource(7))
	m := skymap.New(rings, samples)
	for i := 0; i < rings; i++ {
		ring := m.Ring(i)
		for j := range ring {
			ring[j] = math.Cos(2*math.Pi*5*float64(j)/float64(samples)+0.3*float64(i)) + 0.5*r.NormFloat64()
		}
	}
	return m
}

func bits(m *skymap.Map) []uint64 {
	out := make([]uint64, len(m.Data))
	for i, v := range m.Data {
		out[i] = math.Float64bits(v)
	}
	return out
}

func TestSurrogatesAreBitIdentical(t *testing.T) {
	src := testMap(4, 64)

	a, err := Generate(src, 42, run.NullPhaseShuffle, 1000)
	require.NoError(t, err)
	b, err := Generate(src, 42, run.NullPhaseShuffle, 1000)
	require.NoError(t, err)

	require.Len(t, a, 1000)
	for i := range a {
		require.Equal(t, bits(a[i]), bits(b[i]), "surrogate %d differs", i)
	}
	assert.NotEqual(t, bits(a[0]), bits(a[1]))

	g, err := New(run.NullPhaseShuffle, 42)
	require.NoError(t, err)
	assert.Equal(t, bits(a[517]), bits(g.Surrogate(src, 517)), "surrogate must not depend on its predecessors")
}

func TestDifferentSeedsDiffer(t *testing.T) {
	src := testMap(2, 32)
	a, _ := Generate(src, 1, run.NullPhiRoll, 3)
	b, _ := Generate(src, 2, run.NullPhiRoll, 3)
	assert.NotEqual(t, bits(a[0])[:32], bits(b[0])[:32])
}

func TestSurrogateLeavesSourceUntouched(t *testing.T) {
	src := testMap(3, 32)
	before := bits(src)
	for _, model := range Models {
		g, err := New(model, 9)
		require.NoError(t, err)
		g.Surrogate(src, 0)
	}
	assert.Equal(t, before, bits(src))
}

func magnitudes(ring []float64) []float64 {
	coeff := fourier.NewFFT(len(ring)).Coefficients(nil, ring)
	out := make([]float64, len(coeff))
	for i, c := range coeff {
		out[i] = cmplx.Abs(c)
	}
	return out
}

func TestPhaseModelsPreserveAmplitudeSpectrum(t *testing.T) {
	src := testMap(3, 64)
	for _, model := range []run.NullModel{run.NullPhaseShuffle, run.NullRandomPhase} {
		t.Run(string(model), func(t *testing.T) {
			g, err := New(model, 3)
			require.NoError(t, err)
			sur := g.Surrogate(src, 0)
			for r := 0; r < src.Rings; r++ {
				assert.InDeltaSlice(t, magnitudes(src.Ring(r)), magnitudes(sur.Ring(r)), 1e-9)
			}
			assert.NotEqual(t, bits(src), bits(sur))
		})
	}
}

func sorted(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}

func TestPermutationModelsPreserveRingValues(t *testing.T) {
	src := testMap(3, 50)
	for _, model := range []run.NullModel{run.NullPhiRoll, run.NullScramble} {
		t.Run(string(model), func(t *testing.T) {
			g, err := New(model, 11)
			require.NoError(t, err)
			sur := g.Surrogate(src, 4)
			for r := 0; r < src.Rings; r++ {
				assert.Equal(t, sorted(src.Ring(r)), sorted(sur.Ring(r)))
			}
		})
	}
}

func TestPhiRollIsCyclicRotation(t *testing.T) {
	ring := []float64{0, 1, 2, 3, 4}
	roll(ring, 2)
	assert.Equal(t, []float64{2, 3, 4, 0, 1}, ring)
}

func TestPureNoiseMatchesRingVariance(t *testing.T) {
	src := skymap.New(1, 4096)
	r := rand.New(rand.NewSource(1))
	for j := range src.Data {
		src.Data[j] = 3 * r.NormFloat64()
	}
	g, err := New(run.NullPureNoise, 5)
	require.NoError(t, err)
	s := Summarize(g.Surrogate(src, 0).Data)
	assert.InDelta(t, 3.0, s.StdDev, 0.2)
	assert.InDelta(t, 0.0, s.Mean, 0.2)
}

func TestUnknownModel(t *testing.T) {
	_, err := New(run.NullModel("bogus"), 1)
	assert.Error(t, err)
	assert.Error(t, Apply(skymap.New(1, 4), run.NullModel("bogus"), rand.New(rand.NewSource(1))))
}
