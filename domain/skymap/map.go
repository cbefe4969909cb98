// Package skymap holds the ring-ordered map representation the analysis
// operates on: each ring is one closed azimuthal circle sampled uniformly in φ.
package skymap

import (
	"fmt"
	"math"
)

// Map is a rings × samples real-valued map stored row-major
type Map struct {
	Rings   int       `json:"rings"`
	Samples int       `json:"samples"`
	Data    []float64 `json:"data"`
}

// New allocates a zero map
func New(rings, samples int) *Map {
	return &Map{
		Rings:   rings,
		Samples: samples,
		Data:    make([]float64, rings*samples),
	}
}

// FromRings builds a map from equally long rings
func FromRings(rings [][]float64) (*Map, error) {
	if len(rings) == 0 {
		return nil, fmt.Errorf("map has no rings")
	}
	samples := len(rings[0])
	if samples == 0 {
		return nil, fmt.Errorf("ring 0 has no samples")
	}
	m := New(len(rings), samples)
	for i, ring := range rings {
		if len(ring) != samples {
			return nil, fmt.Errorf("ring %d has %d samples, expected %d", i, len(ring), samples)
		}
		copy(m.Ring(i), ring)
	}
	return m, nil
}

// Ring returns ring i as a slice aliasing the map storage
func (m *Map) Ring(i int) []float64 {
	return m.Data[i*m.Samples : (i+1)*m.Samples]
}

// Clone returns a deep copy
func (m *Map) Clone() *Map {
	out := New(m.Rings, m.Samples)
	copy(out.Data, m.Data)
	return out
}

// Validate checks shape consistency and finiteness
func (m *Map) Validate() error {
	if m.Rings <= 0 || m.Samples <= 0 {
		return fmt.Errorf("invalid map shape %dx%d", m.Rings, m.Samples)
	}
	if len(m.Data) != m.Rings*m.Samples {
		return fmt.Errorf("map data length %d does not match shape %dx%d", len(m.Data), m.Rings, m.Samples)
	}
	for i, v := range m.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite sample at ring %d, index %d", i/m.Samples, i%m.Samples)
		}
	}
	return nil
}

// CentralBand selects the count rings centred on the map's middle ring.
// It is the only band selection the analysis uses; callers pass count explicitly.
func CentralBand(m *Map, count int) (*Map, error) {
	if count <= 0 || count > m.Rings {
		return nil, fmt.Errorf("band of %d rings does not fit a map with %d rings", count, m.Rings)
	}
	start := (m.Rings - count) / 2
	out := New(count, m.Samples)
	copy(out.Data, m.Data[start*m.Samples:(start+count)*m.Samples])
	return out, nil
}

// Decimate averages consecutive blocks of factor samples along every ring
func Decimate(m *Map, factor int) (*Map, error) {
	if factor <= 0 {
		return nil, fmt.Errorf("resolution factor must be positive, got %d", factor)
	}
	if factor == 1 {
		return m.Clone(), nil
	}
	if m.Samples%factor != 0 {
		return nil, fmt.Errorf("ring length %d is not divisible by resolution factor %d", m.Samples, factor)
	}
	samples := m.Samples / factor
	out := New(m.Rings, samples)
	for r := 0; r < m.Rings; r++ {
		src := m.Ring(r)
		dst := out.Ring(r)
		for j := 0; j < samples; j++ {
			sum := 0.0
			for _, v := range src[j*factor : (j+1)*factor] {
				sum += v
			}
			dst[j] = sum / float64(factor)
		}
	}
	return out, nil
}
