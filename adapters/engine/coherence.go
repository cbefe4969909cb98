// Package engine provides the analysis engines the orchestrator invokes: an
// in-process ring phase-locking estimator and a wrapper around external
// executables that honour the same row contract.
package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math/cmplx"
	"strconv"

	"gonum.org/v1/gonum/dsp/fourier"

	"phaselock/adapters/rng"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	"phaselock/internal"
	"phaselock/internal/nullmodel"
	"phaselock/ports"
)

// Engine names as configured under engine.kind
const (
	KindBuiltin = "builtin"
	KindCommand = "command"
)

// CoherenceVersion identifies the statistic implemented by Coherence
const CoherenceVersion = "plv-1"

// Coherence is the built-in engine. For each target k it measures how well the
// k-th harmonic phase agrees across the rings of the analysis band.
type Coherence struct {
	source ports.MapSource
	rng    ports.RNGPort
	logger *internal.Logger
}

var _ ports.AnalysisEngine = (*Coherence)(nil)

// NewCoherence creates the built-in engine reading maps from source
func NewCoherence(source ports.MapSource, logger *internal.Logger) *Coherence {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Coherence{source: source, rng: rng.New(), logger: logger.With("engine/builtin")}
}

func (e *Coherence) Name() string    { return KindBuiltin }
func (e *Coherence) Version() string { return CoherenceVersion }

// Analyze computes effect size, Monte Carlo p-value and z-score for every target
func (e *Coherence) Analyze(ctx context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error) {
	cfg := req.Config
	m, err := e.source.Load(ctx, cfg.DataSource, cfg.Seed)
	if err != nil {
		return nil, err
	}

	band, err := Prepare(m, cfg.Params)
	if err != nil {
		return nil, err
	}
	for _, k := range cfg.Targets {
		if k <= 0 || 2*k >= band.Samples {
			return nil, fmt.Errorf("%w: %d is outside (0, %d) for %d samples per ring",
				core.ErrTargetOutOfRange, k, (band.Samples+1)/2, band.Samples)
		}
	}

	fft := fourier.NewFFT(band.Samples)
	window := cfg.Params.WindowFunction
	observed := targetPLV(fft, tapered(band, window), cfg.Targets)

	gen, err := nullmodel.NewWithRNG(cfg.Params.NullModel, cfg.Seed, e.rng)
	if err != nil {
		return nil, err
	}
	null := make([][]float64, len(cfg.Targets))
	for t := range null {
		null[t] = make([]float64, cfg.Params.MCSamples)
	}
	for i := 0; i < cfg.Params.MCSamples; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sur := gen.Surrogate(band, i)
		skymap.Taper(sur, window)
		for t, v := range targetPLV(fft, sur, cfg.Targets) {
			null[t][i] = v
		}
	}

	rows := make([]ports.EngineRow, len(cfg.Targets))
	for t, k := range cfg.Targets {
		rows[t] = ports.EngineRow{
			Target:     k,
			EffectSize: observed[t],
			PValue:     nullmodel.EmpiricalPValue(observed[t], null[t]),
			ZScore:     nullmodel.ZScore(observed[t], null[t]),
		}
		e.logger.Trace("run %s target %d: plv=%.4f p=%.4g", req.RunID, k, rows[t].EffectSize, rows[t].PValue)
	}

	out := &ports.EngineOutput{
		Rows:      rows,
		Raw:       EncodeCSV(rows),
		Format:    FormatCSV,
		Version:   CoherenceVersion,
		Artifacts: make(map[string][]byte),
	}
	if req.FullSpectrum {
		out.Artifacts["spectrum.csv"] = encodeSpectrum(Spectrum(fft, tapered(band, window)))
	}
	if req.ArchiveNull {
		out.Artifacts["null_distribution.csv"] = encodeNull(cfg.Targets, null)
	}
	return out, nil
}

// Prepare decimates m by the resolution factor and selects the central
// window_size rings. The taper is applied separately so surrogates are drawn
// from the untapered band.
func Prepare(m *skymap.Map, p run.Params) (*skymap.Map, error) {
	dec, err := skymap.Decimate(m, p.Resolution)
	if err != nil {
		return nil, err
	}
	return skymap.CentralBand(dec, p.WindowSize)
}

func tapered(m *skymap.Map, w skymap.WindowFunction) *skymap.Map {
	out := m.Clone()
	skymap.Taper(out, w)
	return out
}

// PLV is the phase locking value of harmonic k across the rings of m:
// |Σ_r c_r/|c_r|| / R. A ring with no power at k makes the value NaN.
func PLV(m *skymap.Map, k int) float64 {
	return targetPLV(fourier.NewFFT(m.Samples), m, []int{k})[0]
}

func targetPLV(fft *fourier.FFT, m *skymap.Map, targets []int) []float64 {
	sums := make([]complex128, len(targets))
	coeff := make([]complex128, m.Samples/2+1)
	for r := 0; r < m.Rings; r++ {
		fft.Coefficients(coeff, m.Ring(r))
		for t, k := range targets {
			sums[t] += unit(coeff[k])
		}
	}
	out := make([]float64, len(targets))
	for t := range sums {
		out[t] = cmplx.Abs(sums[t]) / float64(m.Rings)
	}
	return out
}

func unit(c complex128) complex128 {
	mag := cmplx.Abs(c)
	if mag == 0 {
		return cmplx.NaN()
	}
	return c / complex(mag, 0)
}

// Spectrum returns the PLV of every harmonic 1..(n-1)/2
func Spectrum(fft *fourier.FFT, m *skymap.Map) []float64 {
	last := (m.Samples - 1) / 2
	targets := make([]int, last)
	for i := range targets {
		targets[i] = i + 1
	}
	return targetPLV(fft, m, targets)
}

func encodeSpectrum(plv []float64) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"k", "plv"})
	for i, v := range plv {
		_ = w.Write([]string{strconv.Itoa(i + 1), result.FormatFloat(v)})
	}
	w.Flush()
	return buf.Bytes()
}

func encodeNull(targets []int, null [][]float64) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"surrogate", "target", "statistic"})
	for t, k := range targets {
		for i, v := range null[t] {
			_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(k), result.FormatFloat(v)})
		}
	}
	w.Flush()
	return buf.Bytes()
}
