// Package ml holds the statistical models the detector fits on every run:
// an isolation forest, a self-referential Mahalanobis distance, a 2-D
// principal-axis projection and min-max scaling.
package ml

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649015329

type ForestConfig struct {
	Trees      int   // number of isolation trees
	MaxSamples int   // subsample size per tree, capped at the number of rows
	Seed       int64 // every fit starts from this seed
}

func (c ForestConfig) withDefaults() ForestConfig {
	if c.Trees <= 0 { c.Trees = 100 }
	if c.MaxSamples <= 0 { c.MaxSamples = 256 }
	return c
}

// Forest is a fitted isolation forest.
type Forest struct {
	trees []*isoNode
	psi   int // samples per tree
}

type isoNode struct {
	feature     int
	split       float64
	left, right *isoNode
	size        int // rows that reached a leaf
}

func (n *isoNode) leaf() bool { return n.left == nil }

// FitForest grows the trees on x (rows are observations). The same x, config
// and seed always give the same forest.
func FitForest(x [][]float64, cfg ForestConfig) *Forest {
	cfg = cfg.withDefaults()
	f := &Forest{}
	if len(x) == 0 { return f }

	rng := rand.New(rand.NewSource(cfg.Seed))
	f.psi = cfg.MaxSamples
	if f.psi > len(x) { f.psi = len(x) }
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(f.psi), 2))))

	f.trees = make([]*isoNode, cfg.Trees)
	for i := range f.trees {
		f.trees[i] = grow(rng, subsample(rng, x, f.psi), 0, maxDepth)
	}
	return f
}

func subsample(rng *rand.Rand, x [][]float64, n int) [][]float64 {
	idx := rng.Perm(len(x))[:n]
	out := make([][]float64, n)
	for i, j := range idx { out[i] = x[j] }
	return out
}

func grow(rng *rand.Rand, data [][]float64, depth, maxDepth int) *isoNode {
	n := len(data)
	if n <= 1 || depth >= maxDepth {
		return &isoNode{size: n}
	}

	// only features that still vary inside this node can split it
	var (
		candidates []int
		lo, hi     []float64
	)
	for f := range data[0] {
		mn, mx := data[0][f], data[0][f]
		for _, row := range data[1:] {
			mn = math.Min(mn, row[f])
			mx = math.Max(mx, row[f])
		}
		if mx > mn {
			candidates = append(candidates, f)
			lo, hi = append(lo, mn), append(hi, mx)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: n}
	}

	c := rng.Intn(len(candidates))
	node := &isoNode{feature: candidates[c], split: lo[c] + rng.Float64()*(hi[c]-lo[c])}

	var left, right [][]float64
	for _, row := range data {
		if row[node.feature] < node.split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: n}
	}
	node.left = grow(rng, left, depth+1, maxDepth)
	node.right = grow(rng, right, depth+1, maxDepth)
	return node
}

// avgPathLength is c(n): the mean depth of an unsuccessful BST search over n
// points, used both for leaf corrections and to normalize scores.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func pathLength(node *isoNode, x []float64) float64 {
	depth := 0.0
	for !node.leaf() {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return depth + avgPathLength(node.size)
}

// Score is 2^(-E[h(x)]/c(psi)) in (0, 1]. Points that isolate in fewer splits
// than average score above 0.5; higher means more anomalous.
func (f *Forest) Score(x []float64) float64 {
	cn := avgPathLength(f.psi)
	if len(f.trees) == 0 || cn == 0 { return 0.5 }
	total := 0.0
	for _, t := range f.trees { total += pathLength(t, x) }
	return math.Pow(2, -(total/float64(len(f.trees)))/cn)
}

// ScoreAll scores every row.
func (f *Forest) ScoreAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x { out[i] = f.Score(row) }
	return out
}
