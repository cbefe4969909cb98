// Package nullmodel builds surrogate maps that destroy phase alignment while
// keeping the properties a null hypothesis must hold fixed. Every surrogate is
// seeded independently from (seed, index), so a sequence of surrogates is
// bit-identical for equal inputs regardless of how it is consumed.
package nullmodel

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"phaselock/adapters/rng"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	"phaselock/ports"
)

// Models lists every surrogate scheme the generator understands
var Models = []run.NullModel{
	run.NullPhaseShuffle,
	run.NullPhiRoll,
	run.NullPureNoise,
	run.NullRandomPhase,
	run.NullScramble,
}

// Generator produces surrogates of a source map. It caches FFT plans and is
// not safe for concurrent use.
type Generator struct {
	model run.NullModel
	seed  int64
	rng   ports.RNGPort
	plans map[int]*fourier.FFT
}

// New creates a generator for model seeded by seed
func New(model run.NullModel, seed int64) (*Generator, error) {
	return NewWithRNG(model, seed, rng.New())
}

// NewWithRNG creates a generator drawing its streams from src
func NewWithRNG(model run.NullModel, seed int64, src ports.RNGPort) (*Generator, error) {
	if !known(model) {
		return nil, fmt.Errorf("unknown null model %q", model)
	}
	return &Generator{
		model: model,
		seed:  seed,
		rng:   src,
		plans: make(map[int]*fourier.FFT),
	}, nil
}

// Model returns the generator's surrogate scheme
func (g *Generator) Model() run.NullModel {
	return g.model
}

// Surrogate returns surrogate i of src; src is not modified
func (g *Generator) Surrogate(src *skymap.Map, i int) *skymap.Map {
	out := src.Clone()
	g.apply(out, g.rng.Derive(g.seed, i))
	return out
}

// Generate returns surrogates 0..n-1 of src
func (g *Generator) Generate(src *skymap.Map, n int) []*skymap.Map {
	out := make([]*skymap.Map, n)
	for i := range out {
		out[i] = g.Surrogate(src, i)
	}
	return out
}

// Generate is a convenience wrapper around New and (*Generator).Generate
func Generate(src *skymap.Map, seed int64, model run.NullModel, n int) ([]*skymap.Map, error) {
	g, err := New(model, seed)
	if err != nil {
		return nil, err
	}
	return g.Generate(src, n), nil
}

// Apply replaces m in place with one draw of model using r
func Apply(m *skymap.Map, model run.NullModel, r *rand.Rand) error {
	if !known(model) {
		return fmt.Errorf("unknown null model %q", model)
	}
	g := &Generator{model: model, plans: make(map[int]*fourier.FFT)}
	g.apply(m, r)
	return nil
}

func known(model run.NullModel) bool {
	for _, m := range Models {
		if m == model {
			return true
		}
	}
	return false
}

func (g *Generator) apply(m *skymap.Map, r *rand.Rand) {
	for i := 0; i < m.Rings; i++ {
		ring := m.Ring(i)
		switch g.model {
		case run.NullPhaseShuffle:
			g.shufflePhases(ring, r)
		case run.NullRandomPhase:
			g.randomizePhases(ring, r)
		case run.NullPhiRoll:
			roll(ring, r.Intn(len(ring)))
		case run.NullPureNoise:
			gaussian(ring, r)
		case run.NullScramble:
			r.Shuffle(len(ring), func(a, b int) { ring[a], ring[b] = ring[b], ring[a] })
		}
	}
}

func (g *Generator) plan(n int) *fourier.FFT {
	p, ok := g.plans[n]
	if !ok {
		p = fourier.NewFFT(n)
		g.plans[n] = p
	}
	return p
}

// phaseBins returns the bins whose phase is free: 1..n/2-1 for even n, 1..(n-1)/2 for odd n
func phaseBins(n int) (first, last int) {
	return 1, (n - 1) / 2
}

func (g *Generator) shufflePhases(ring []float64, r *rand.Rand) {
	n := len(ring)
	first, last := phaseBins(n)
	if last < first+1 {
		return
	}
	fft := g.plan(n)
	coeff := fft.Coefficients(nil, ring)

	phases := make([]float64, last-first+1)
	for k := first; k <= last; k++ {
		phases[k-first] = cmplx.Phase(coeff[k])
	}
	r.Shuffle(len(phases), func(a, b int) { phases[a], phases[b] = phases[b], phases[a] })
	for k := first; k <= last; k++ {
		coeff[k] = cmplx.Rect(cmplx.Abs(coeff[k]), phases[k-first])
	}
	g.inverse(fft, ring, coeff)
}

func (g *Generator) randomizePhases(ring []float64, r *rand.Rand) {
	n := len(ring)
	first, last := phaseBins(n)
	if last < first {
		return
	}
	fft := g.plan(n)
	coeff := fft.Coefficients(nil, ring)
	for k := first; k <= last; k++ {
		coeff[k] = cmplx.Rect(cmplx.Abs(coeff[k]), 2*math.Pi*r.Float64())
	}
	g.inverse(fft, ring, coeff)
}

// inverse writes the real sequence for coeff into ring; gonum's inverse is unnormalized
func (g *Generator) inverse(fft *fourier.FFT, ring []float64, coeff []complex128) {
	seq := fft.Sequence(nil, coeff)
	scale := 1 / float64(len(ring))
	for j := range ring {
		ring[j] = seq[j] * scale
	}
}

func roll(ring []float64, offset int) {
	if offset == 0 {
		return
	}
	tmp := make([]float64, len(ring))
	for j := range ring {
		tmp[j] = ring[(j+offset)%len(ring)]
	}
	copy(ring, tmp)
}

func gaussian(ring []float64, r *rand.Rand) {
	mean, sd := stat.MeanStdDev(ring, nil)
	if math.IsNaN(sd) {
		sd = 0
	}
	for j := range ring {
		ring[j] = mean + sd*r.NormFloat64()
	}
}
