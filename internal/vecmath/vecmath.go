// Package vecmath holds the vector arithmetic behind semantic search:
// cosine ranking and k-means clustering over small embedding sets.
package vecmath

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/Lllllllleong/documentledger/internal/models"
)

// Normalize returns a unit-length copy of v. A zero vector is returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Cosine is the cosine similarity of a and b, or 0 when either is zero or
// their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TopK ranks points by cosine similarity to query and keeps the best k.
// Ties go to the lower id. Points of a different dimension are skipped.
func TopK(query []float32, points []models.EntryVector, k int) []models.ScoredID {
	scored := make([]models.ScoredID, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != len(query) {
			continue
		}
		scored = append(scored, models.ScoredID{ID: p.ID, Score: Cosine(query, p.Vector)})
	}
	slices.SortFunc(scored, func(a, b models.ScoredID) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

// KMeans partitions vectors into n clusters and returns each vector's label.
// Vectors are normalized first so distance follows cosine similarity. Seeding
// is k-means++ from a fixed seed, so equal input gives equal labels. n is
// clamped to [1, len(vectors)].
func KMeans(vectors [][]float32, n int, seed uint64, maxIter int) []int {
	if len(vectors) == 0 {
		return nil
	}
	n = max(1, min(n, len(vectors)))
	points := make([][]float32, len(vectors))
	for i, v := range vectors {
		points[i] = Normalize(v)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	centroids := seedCentroids(points, n, rng)
	labels := make([]int, len(points))
	for i, p := range points {
		labels[i] = nearest(p, centroids)
	}
	for iter := 0; iter < maxIter; iter++ {
		centroids = recompute(points, labels, centroids)
		changed := false
		for i, p := range points {
			if best := nearest(p, centroids); best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

func seedCentroids(points [][]float32, n int, rng *rand.Rand) [][]float32 {
	centroids := [][]float32{slices.Clone(points[rng.IntN(len(points))])}
	dist := make([]float64, len(points))
	for len(centroids) < n {
		var total float64
		for i, p := range points {
			dist[i] = sqDist(p, centroids[nearest(p, centroids)])
			total += dist[i]
		}
		if total == 0 {
			// Fewer distinct points than clusters; reuse the first unused index.
			centroids = append(centroids, slices.Clone(points[len(centroids)]))
			continue
		}
		target := rng.Float64() * total
		chosen := len(points) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				chosen = i
				break
			}
		}
		centroids = append(centroids, slices.Clone(points[chosen]))
	}
	return centroids
}

func recompute(points [][]float32, labels []int, old [][]float32) [][]float32 {
	dim := len(points[0])
	sums := make([][]float64, len(old))
	counts := make([]int, len(old))
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, p := range points {
		l := labels[i]
		counts[l]++
		for j, x := range p {
			sums[l][j] += float64(x)
		}
	}
	next := make([][]float32, len(old))
	for c := range old {
		if counts[c] == 0 {
			next[c] = old[c]
			continue
		}
		next[c] = make([]float32, dim)
		for j := range sums[c] {
			next[c][j] = float32(sums[c][j] / float64(counts[c]))
		}
	}
	return next
}

func nearest(p []float32, centroids [][]float32) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := sqDist(p, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
