package vecmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Lllllllleong/documentledger/internal/models"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, got[0], 1e-6)
	assert.InDelta(t, 0.8, got[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestTopK(t *testing.T) {
	points := []models.EntryVector{
		{ID: 1, Vector: []float32{0, 1}},
		{ID: 2, Vector: []float32{1, 0}},
		{ID: 3, Vector: []float32{1, 1}},
		{ID: 4, Vector: []float32{2, 0}},
		{ID: 5, Vector: []float32{1, 0, 0}},
	}
	got := TopK([]float32{1, 0}, points, 3)
	assert.Len(t, got, 3)
	assert.Equal(t, []int64{2, 4, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})
	assert.InDelta(t, 1/math.Sqrt2, got[2].Score, 1e-6)

	assert.Len(t, TopK([]float32{1, 0}, points, 10), 4)
	assert.Empty(t, TopK([]float32{1, 0}, nil, 3))
}

func TestKMeans_SeparatesGroups(t *testing.T) {
	vectors := [][]float32{
		{1, 0.05, 0}, {0.95, 0, 0.1}, {1, 0.1, 0.05},
		{0, 1, 0.05}, {0.1, 0.9, 0}, {0.05, 1, 0.1},
		{0, 0.05, 1}, {0.1, 0, 0.95},
	}
	labels := KMeans(vectors, 3, 42, 50)
	assert.Len(t, labels, len(vectors))

	assert.Equal(t, labels[0], labels[1])
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[3], labels[4])
	assert.Equal(t, labels[3], labels[5])
	assert.Equal(t, labels[6], labels[7])
	assert.NotEqual(t, labels[0], labels[3])
	assert.NotEqual(t, labels[0], labels[6])
	assert.NotEqual(t, labels[3], labels[6])

	assert.Equal(t, labels, KMeans(vectors, 3, 42, 50))
}

func TestKMeans_ClampsClusterCount(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}}
	labels := KMeans(vectors, 5, 1, 10)
	assert.Len(t, labels, 2)
	assert.NotEqual(t, labels[0], labels[1])

	assert.Equal(t, []int{0, 0}, KMeans(vectors, 0, 1, 10))
	assert.Nil(t, KMeans(nil, 3, 1, 10))

	same := KMeans([][]float32{{1, 0}, {1, 0}, {1, 0}}, 2, 1, 10)
	assert.Len(t, same, 3)
}
