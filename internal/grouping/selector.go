package grouping

import (
	"context"
	"math"

	"github.com/thebtf/kwgroup/pkg/similarity"
)

const (
	// DefaultMaxK bounds the automatically selected group count.
	DefaultMaxK = 10
	// DefaultSmallSetThreshold is the size below which everything forms one group.
	DefaultSmallSetThreshold = 4
)

// K selection strategies.
const (
	StrategySqrt       = "sqrt"
	StrategySilhouette = "silhouette"
)

// SelectK picks the group count for n distinct keywords:
// round(sqrt(n/2)) clamped to [1, min(n, maxK)], and 1 when n < 4.
func SelectK(n, maxK int) (int, error) {
	return selectK(n, maxK, DefaultSmallSetThreshold)
}

func selectK(n, maxK, small int) (int, error) {
	if n <= 0 {
		return 0, ErrEmptyKeywordSet
	}
	if maxK <= 0 {
		maxK = DefaultMaxK
	}
	if n < small {
		return 1, nil
	}
	k := int(math.Round(math.Sqrt(float64(n) / 2)))
	return clamp(k, 1, min(n, maxK)), nil
}

// MaxSilhouetteSample bounds how many points the silhouette score is
// computed over. Larger sets are scored on an evenly strided sample.
const MaxSilhouetteSample = 1000

// SelectKBySilhouette clusters for every K in [2, min(n-1, maxK)] and returns
// the K with the highest mean silhouette. Ties go to the smaller K.
func SelectKBySilhouette(vectors [][]float32, maxK int, seed uint64, opts ClusterOptions) (int, error) {
	return selectKBySilhouette(context.Background(), vectors, maxK, seed, opts)
}

func selectKBySilhouette(ctx context.Context, vectors [][]float32, maxK int, seed uint64, opts ClusterOptions) (int, error) {
	n := len(vectors)
	if n == 0 {
		return 0, ErrEmptyKeywordSet
	}
	if maxK <= 0 {
		maxK = DefaultMaxK
	}
	if n < DefaultSmallSetThreshold {
		return 1, nil
	}
	upper := min(n-1, maxK)
	if upper < 2 {
		return 1, nil
	}

	sample := sampleIndexes(n, MaxSilhouetteSample)
	sampled := make([][]float32, len(sample))
	for i, idx := range sample {
		sampled[i] = vectors[idx]
	}
	dist := distanceMatrix(sampled)

	bestK, bestScore := 1, math.Inf(-1)
	labels := make([]int, len(sample))
	for k := 2; k <= upper; k++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c, err := cluster(ctx, vectors, k, seed, opts)
		if err != nil {
			return 0, err
		}
		for i, idx := range sample {
			labels[i] = c.Assignment[idx]
		}
		score := Silhouette(dist, labels, k)
		if score > bestScore {
			bestK, bestScore = k, score
		}
	}
	return bestK, nil
}

// sampleIndexes returns at most limit indexes spread evenly over [0, n).
func sampleIndexes(n, limit int) []int {
	size := min(n, limit)
	out := make([]int, size)
	for i := range out {
		out[i] = i * n / size
	}
	return out
}

// Silhouette returns the mean silhouette coefficient of an assignment given
// a pairwise distance matrix. Points in singleton groups score 0.
func Silhouette(dist [][]float64, assignment []int, k int) float64 {
	n := len(assignment)
	if n == 0 {
		return 0
	}
	sizes := make([]int, k)
	for _, a := range assignment {
		sizes[a]++
	}

	total := 0.0
	sums := make([]float64, k)
	for i := 0; i < n; i++ {
		own := assignment[i]
		if sizes[own] <= 1 {
			continue
		}
		clear(sums)
		for j := 0; j < n; j++ {
			if j != i {
				sums[assignment[j]] += dist[i][j]
			}
		}
		a := sums[own] / float64(sizes[own]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || sizes[c] == 0 {
				continue
			}
			b = math.Min(b, sums[c]/float64(sizes[c]))
		}
		if math.IsInf(b, 1) {
			continue
		}
		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	return total / float64(n)
}

func distanceMatrix(vectors [][]float32) [][]float64 {
	n := len(vectors)
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := similarity.Euclidean(vectors[i], vectors[j])
			d[i][j], d[j][i] = v, v
		}
	}
	return d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
