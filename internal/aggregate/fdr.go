package aggregate

import (
	"math"
	"sort"
)

// BenjaminiHochberg returns step-up adjusted q-values and the significance
// decision q <= alpha for each p-value. Non-finite p-values are left out of
// the family: their q is NaN and they are never significant.
func BenjaminiHochberg(p []float64, alpha float64) ([]float64, []bool) {
	q := make([]float64, len(p))
	significant := make([]bool, len(p))

	idx := make([]int, 0, len(p))
	for i, v := range p {
		q[i] = math.NaN()
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })

	m := float64(len(idx))
	running := 1.0
	for rank := len(idx); rank >= 1; rank-- {
		i := idx[rank-1]
		adjusted := p[i] * m / float64(rank)
		if adjusted < running {
			running = adjusted
		}
		q[i] = running
	}
	for _, i := range idx {
		significant[i] = q[i] <= alpha
	}
	return q, significant
}
