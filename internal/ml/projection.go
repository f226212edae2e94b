package ml

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Project2D fits a principal-axis projection on x and returns the first two
// coordinates of every row. Missing components (fewer than two rows, or fewer
// than two varying directions) come back as zeros.
func Project2D(x [][]float64) (pc1, pc2 []float64) {
	n := len(x)
	pc1, pc2 = make([]float64, n), make([]float64, n)
	if n < 2 || len(x[0]) == 0 { return pc1, pc2 }
	d := len(x[0])

	data := mat.NewDense(n, d, nil)
	for i, row := range x { data.SetRow(i, row) }

	var pc stat.PC
	if !pc.PrincipalComponents(data, nil) { return pc1, pc2 }
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)
	_, k := vecs.Dims()
	if k > 2 { k = 2 }

	mean := make([]float64, d)
	for j := 0; j < d; j++ { mean[j] = stat.Mean(mat.Col(nil, j, data), nil) }

	dst := [][]float64{pc1, pc2}
	for c := 0; c < k; c++ {
		if vars[c] <= 0 { continue }
		axis := mat.Col(nil, c, &vecs)
		flipSign(axis)
		for i, row := range x {
			s := 0.0
			for j := range row { s += (row[j] - mean[j]) * axis[j] }
			dst[c][i] = s
		}
	}
	return pc1, pc2
}

// flipSign makes the largest-magnitude loading positive, so the same data always
// yields the same orientation.
func flipSign(v []float64) {
	best := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[best]) { best = i }
	}
	if v[best] < 0 {
		for i := range v { v[i] = -v[i] }
	}
}
