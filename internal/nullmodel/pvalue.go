package nullmodel

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// EmpiricalPValue is the one-sided Monte Carlo p-value (1 + #{null >= obs}) / (N + 1).
// It is never zero. A non-finite observation yields NaN; a non-finite
// surrogate counts as an exceedance.
func EmpiricalPValue(observed float64, null []float64) float64 {
	if !finite(observed) {
		return math.NaN()
	}
	exceed := 0
	for _, v := range null {
		if !finite(v) || v >= observed {
			exceed++
		}
	}
	return float64(1+exceed) / float64(len(null)+1)
}

// TwoSidedPValue counts surrogates at least as far from the null mean as the
// observation. The mean is taken over finite surrogates; the others count as
// exceedances.
func TwoSidedPValue(observed float64, null []float64) float64 {
	if !finite(observed) || len(null) == 0 {
		return math.NaN()
	}
	var values []float64
	for _, v := range null {
		if finite(v) {
			values = append(values, v)
		}
	}
	exceed := len(null) - len(values)
	if len(values) > 0 {
		mean, _ := stats.Mean(values)
		dist := math.Abs(observed - mean)
		for _, v := range values {
			if math.Abs(v-mean) >= dist {
				exceed++
			}
		}
	}
	return float64(1+exceed) / float64(len(null)+1)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ZScore standardizes observed against the null distribution
func ZScore(observed float64, null []float64) float64 {
	if len(null) < 2 {
		return math.NaN()
	}
	mean, _ := stats.Mean(null)
	sd, _ := stats.StandardDeviationSample(null)
	return (observed - mean) / sd
}

// GaussianPValue is the upper-tail normal p-value of a z-score, used for diagnostics only
func GaussianPValue(z float64) float64 {
	if math.IsNaN(z) {
		return math.NaN()
	}
	return 1 - distuv.UnitNormal.CDF(z)
}

// Summary describes a null distribution
type Summary struct {
	N            int     `json:"n"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Percentile95 float64 `json:"percentile_95"`
	Percentile99 float64 `json:"percentile_99"`
}

// Summarize computes descriptive statistics of a null distribution
func Summarize(null []float64) Summary {
	s := Summary{N: len(null)}
	if len(null) == 0 {
		return s
	}
	s.Mean, _ = stats.Mean(null)
	s.StdDev, _ = stats.StandardDeviationSample(null)
	s.Min, _ = stats.Min(null)
	s.Max, _ = stats.Max(null)
	s.Percentile95, _ = stats.Percentile(null, 95)
	s.Percentile99, _ = stats.Percentile(null, 99)
	return s
}
