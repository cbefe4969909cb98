package datasource

import (
	"math"

	"phaselock/adapters/rng"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
)

// Synthesize generates a map whose every ring carries the injected harmonics
// with identical phase plus independent Gaussian noise
func Synthesize(spec run.SyntheticSpec, seed int64) *skymap.Map {
	m := skymap.New(spec.Rings, spec.SamplesPerRing)
	noise := rng.Named(seed, "synthetic/noise")
	n := float64(spec.SamplesPerRing)

	for r := 0; r < spec.Rings; r++ {
		ring := m.Ring(r)
		for j := range ring {
			v := 0.0
			for _, sig := range spec.Signals {
				v += sig.Amplitude * math.Cos(2*math.Pi*float64(sig.Target)*float64(j)/n+sig.Phase)
			}
			if spec.NoiseSigma > 0 {
				v += spec.NoiseSigma * noise.NormFloat64()
			}
			ring[j] = v
		}
	}
	return m
}
