package grouping

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

const (
	// DefaultMaxIterations caps Lloyd iterations per restart.
	DefaultMaxIterations = 100
	// DefaultRestarts is the number of seeded k-means++ initialisations.
	DefaultRestarts = 4
)

// Assignment maps input position to group index in 0..K-1.
type Assignment []int

// ClusterOptions tunes the clusterer. Zero values select defaults.
type ClusterOptions struct {
	MaxIterations int
	Restarts      int
}

func (o ClusterOptions) withDefaults() ClusterOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Restarts <= 0 {
		o.Restarts = DefaultRestarts
	}
	return o
}

// Clustering is the outcome of Cluster.
type Clustering struct {
	Assignment Assignment
	Centroids  [][]float32
	Inertia    float64
	Iterations int
	Converged  bool
}

// Cluster partitions vectors into k groups with seeded k-means++ and Lloyd
// iterations. The same vectors, k, seed and options always produce the same
// assignment. Distance ties go to the lower centroid index; restart ties go
// to the earlier restart. Groups may end up empty.
func Cluster(vectors [][]float32, k int, seed uint64, opts ClusterOptions) (*Clustering, error) {
	return cluster(context.Background(), vectors, k, seed, opts)
}

func cluster(ctx context.Context, vectors [][]float32, k int, seed uint64, opts ClusterOptions) (*Clustering, error) {
	n := len(vectors)
	if n == 0 {
		return nil, ErrEmptyKeywordSet
	}
	if k < 1 || k > n {
		return nil, fmt.Errorf("%w: k=%d outside [1, %d]", ErrInvalidInput, k, n)
	}
	if err := checkVectors(vectors); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if k == 1 {
		centroid := meanOf(vectors, nil, len(vectors[0]))
		return &Clustering{
			Assignment: make(Assignment, n),
			Centroids:  [][]float32{toFloat32(centroid)},
			Inertia:    inertiaOf(vectors, make(Assignment, n), [][]float64{centroid}),
			Converged:  true,
		}, nil
	}

	var best *Clustering
	for r := 0; r < opts.Restarts; r++ {
		rng := rand.New(rand.NewPCG(seed, uint64(r)))
		c, err := lloyd(ctx, vectors, k, rng, opts.MaxIterations)
		if err != nil {
			return nil, err
		}
		if best == nil || c.Inertia < best.Inertia {
			best = c
		}
	}
	return best, nil
}

// checkVectors rejects empty, ragged or non-finite vectors.
func checkVectors(vectors [][]float32) error {
	dims := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 {
			return NewInputError(i, "", "empty vector", nil)
		}
		if len(v) != dims {
			return NewInputError(i, "", fmt.Sprintf("vector has %d dimensions, expected %d", len(v), dims), nil)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return NewInputError(i, "", "vector contains a non-finite value", nil)
			}
		}
	}
	return nil
}

func lloyd(ctx context.Context, vectors [][]float32, k int, rng *rand.Rand, maxIter int) (*Clustering, error) {
	centroids := seedCentroids(vectors, k, rng)
	assignment, inertia := assign(vectors, centroids)

	bestAssignment := slices.Clone(assignment)
	bestInertia := inertia
	converged := false
	iterations := 0

	for it := 1; it <= maxIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		centroids = updateCentroids(vectors, assignment, centroids)
		next, nextInertia := assign(vectors, centroids)
		iterations = it
		if nextInertia < bestInertia {
			bestAssignment = slices.Clone(next)
			bestInertia = nextInertia
		}
		if slices.Equal(next, assignment) {
			converged = true
			break
		}
		assignment = next
	}

	final := assignment
	if !converged {
		final = bestAssignment
	}
	centroids = updateCentroids(vectors, final, centroids)
	return &Clustering{
		Assignment: final,
		Centroids:  toFloat32s(centroids),
		Inertia:    inertiaOf(vectors, final, centroids),
		Iterations: iterations,
		Converged:  converged,
	}, nil
}

// seedCentroids performs k-means++ initialisation. When every remaining
// point coincides with a chosen centroid, the lowest unused index is taken.
func seedCentroids(vectors [][]float32, k int, rng *rand.Rand) [][]float64 {
	n := len(vectors)
	chosen := make([]bool, n)
	first := rng.IntN(n)
	chosen[first] = true
	centroids := [][]float64{toFloat64(vectors[first])}

	d2 := make([]float64, n)
	for i, v := range vectors {
		d2[i] = sqDist(v, centroids[0])
	}

	for len(centroids) < k {
		total := 0.0
		for i, d := range d2 {
			if !chosen[i] {
				total += d
			}
		}

		next := -1
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, d := range d2 {
				if chosen[i] || d == 0 {
					continue
				}
				acc += d
				next = i
				if acc > target {
					break
				}
			}
		} else {
			for i := range chosen {
				if !chosen[i] {
					next = i
					break
				}
			}
		}

		chosen[next] = true
		c := toFloat64(vectors[next])
		centroids = append(centroids, c)
		for i, v := range vectors {
			if d := sqDist(v, c); d < d2[i] {
				d2[i] = d
			}
		}
	}
	return centroids
}

// assign gives each vector its nearest centroid and returns the inertia.
func assign(vectors [][]float32, centroids [][]float64) (Assignment, float64) {
	out := make(Assignment, len(vectors))
	inertia := 0.0
	for i, v := range vectors {
		best, bestD := 0, math.Inf(1)
		for c, centroid := range centroids {
			if d := sqDist(v, centroid); d < bestD {
				best, bestD = c, d
			}
		}
		out[i] = best
		inertia += bestD
	}
	return out, inertia
}

// updateCentroids recomputes member means. A group with no members keeps its
// previous centroid.
func updateCentroids(vectors [][]float32, assignment Assignment, prev [][]float64) [][]float64 {
	dims := len(vectors[0])
	next := make([][]float64, len(prev))
	for c := range prev {
		next[c] = meanOf(vectors, func(i int) bool { return assignment[i] == c }, dims)
		if next[c] == nil {
			next[c] = slices.Clone(prev[c])
		}
	}
	return next
}

// meanOf averages the vectors selected by keep (all when keep is nil).
// Returns nil if nothing is selected.
func meanOf(vectors [][]float32, keep func(int) bool, dims int) []float64 {
	sum := make([]float64, dims)
	count := 0
	for i, v := range vectors {
		if keep != nil && !keep(i) {
			continue
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for j := range sum {
		sum[j] /= float64(count)
	}
	return sum
}

func inertiaOf(vectors [][]float32, assignment Assignment, centroids [][]float64) float64 {
	total := 0.0
	for i, v := range vectors {
		total += sqDist(v, centroids[assignment[i]])
	}
	return total
}

func sqDist(v []float32, c []float64) float64 {
	sum := 0.0
	for i, x := range v {
		d := float64(x) - c[i]
		sum += d * d
	}
	return sum
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat32s(vs [][]float64) [][]float32 {
	out := make([][]float32, len(vs))
	for i, v := range vs {
		out[i] = toFloat32(v)
	}
	return out
}
