package ml

import "gonum.org/v1/gonum/floats"

// MinMaxEpsilon keeps the range denominator positive when every value is equal.
const MinMaxEpsilon = 1e-9

// MinMax maps v onto [0, 1] as (v-min)/(max-min+eps). Equal inputs all map to 0.
func MinMax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 { return out }
	lo, hi := floats.Min(v), floats.Max(v)
	den := hi - lo + MinMaxEpsilon
	for i, x := range v { out[i] = (x - lo) / den }
	return out
}
