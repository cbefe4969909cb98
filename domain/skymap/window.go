package skymap

import (
	"fmt"
	"math"
)

// WindowFunction is the taper applied along each ring before projection
type WindowFunction string

const (
	WindowNone WindowFunction = "none"
	WindowHann WindowFunction = "hann"
)

// WindowFunctions lists the recognized tapers
var WindowFunctions = []string{string(WindowNone), string(WindowHann)}

// ParseWindowFunction validates a taper name
func ParseWindowFunction(s string) (WindowFunction, error) {
	switch WindowFunction(s) {
	case WindowNone, WindowHann:
		return WindowFunction(s), nil
	default:
		return "", fmt.Errorf("unknown window function %q (allowed: %v)", s, WindowFunctions)
	}
}

// Weights returns the periodic taper of length n
func (w WindowFunction) Weights(n int) []float64 {
	weights := make([]float64, n)
	switch w {
	case WindowHann:
		for j := range weights {
			weights[j] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(j)/float64(n))
		}
	default:
		for j := range weights {
			weights[j] = 1
		}
	}
	return weights
}

// Taper multiplies every ring by the window weights in place
func Taper(m *Map, w WindowFunction) {
	if w == WindowNone || w == "" {
		return
	}
	weights := w.Weights(m.Samples)
	for r := 0; r < m.Rings; r++ {
		ring := m.Ring(r)
		for j := range ring {
			ring[j] *= weights[j]
		}
	}
}
