package ml

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Mahalanobis returns, for every row of x, its distance from the mean of x in
// the metric of x's own covariance. A singular covariance is handled with the
// pseudo-inverse; when even that is unusable every distance is zero.
func Mahalanobis(x [][]float64) []float64 {
	out := make([]float64, len(x))
	if len(x) < 2 || len(x[0]) == 0 { return out }
	n, d := len(x), len(x[0])

	data := mat.NewDense(n, d, nil)
	for i, row := range x { data.SetRow(i, row) }

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	pinv, ok := pseudoInverse(&cov)
	if !ok { return out }

	mean := make([]float64, d)
	for j := 0; j < d; j++ { mean[j] = stat.Mean(mat.Col(nil, j, data), nil) }

	diff := mat.NewVecDense(d, nil)
	var tmp mat.VecDense
	for i, row := range x {
		for j := range row { diff.SetVec(j, row[j]-mean[j]) }
		tmp.MulVec(pinv, diff)
		sq := mat.Dot(diff, &tmp)
		if math.IsNaN(sq) || math.IsInf(sq, 0) { return make([]float64, n) }
		out[i] = math.Sqrt(math.Max(sq, 0))
	}
	return out
}

// pseudoInverse is the Moore-Penrose inverse of a symmetric matrix via SVD,
// treating singular values below max(s)*d*eps as zero.
func pseudoInverse(a *mat.SymDense) (*mat.Dense, bool) {
	d := a.SymmetricDim()
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			if v := a.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) { return nil, false }
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) { return nil, false }
	s := svd.Values(nil)
	if len(s) == 0 || s[0] == 0 { return nil, false }
	tol := s[0] * float64(d) * 2.220446049250313e-16

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	inv := mat.NewDiagDense(len(s), nil)
	for i, sv := range s {
		if sv > tol { inv.SetDiag(i, 1/sv) }
	}
	var vs, out mat.Dense
	vs.Mul(&v, inv)
	out.Mul(&vs, u.T())
	return &out, true
}
