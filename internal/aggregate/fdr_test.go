package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenjaminiHochbergCanonicalFixture(t *testing.T) {
	p := []float64{0.001, 0.008, 0.039, 0.041, 0.042, 0.06, 0.074, 0.205, 0.212, 0.216}

	q, significant := BenjaminiHochberg(p, 0.05)

	wantQ := []float64{0.01, 0.04, 0.084, 0.084, 0.084, 0.1, 0.074 * 10 / 7, 0.216, 0.216, 0.216}
	require.Len(t, q, len(wantQ))
	for i := range wantQ {
		assert.InDelta(t, wantQ[i], q[i], 1e-12, "q[%d]", i)
	}
	assert.Equal(t, []bool{true, true, false, false, false, false, false, false, false, false}, significant)
}

func TestBenjaminiHochbergStepUp(t *testing.T) {
	// rank 4 clears its threshold, so ranks 1-3 are significant with it
	p := []float64{0.04, 0.01, 0.5, 0.03, 0.02}

	q, significant := BenjaminiHochberg(p, 0.06)

	assert.Equal(t, []bool{true, true, false, true, true}, significant)
	assert.InDelta(t, 0.05, q[1], 1e-12)
	assert.InDelta(t, 0.5, q[2], 1e-12)
}

func TestBenjaminiHochbergMonotone(t *testing.T) {
	p := []float64{0.3, 0.001, 0.02, 0.9, 0.015, 0.04}
	q, _ := BenjaminiHochberg(p, 0.1)

	order := []int{1, 4, 2, 5, 0, 3}
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, q[order[i-1]], q[order[i]])
	}
	for i := range p {
		assert.GreaterOrEqual(t, q[i], p[i])
		assert.LessOrEqual(t, q[i], 1.0)
	}
}

func TestBenjaminiHochbergExcludesNonFinite(t *testing.T) {
	p := []float64{0.01, math.NaN(), 0.02, math.Inf(1)}

	q, significant := BenjaminiHochberg(p, 0.05)

	assert.True(t, math.IsNaN(q[1]))
	assert.True(t, math.IsNaN(q[3]))
	assert.False(t, significant[1])
	assert.False(t, significant[3])
	// family size is 2, not 4
	assert.InDelta(t, 0.02, q[0], 1e-12)
	assert.InDelta(t, 0.02, q[2], 1e-12)
}

func TestBenjaminiHochbergEmpty(t *testing.T) {
	q, significant := BenjaminiHochberg(nil, 0.05)
	assert.Empty(t, q)
	assert.Empty(t, significant)
}
