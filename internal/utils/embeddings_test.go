package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)

	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
}

func TestCheckDimensions(t *testing.T) {
	assert.NoError(t, CheckDimensions(make([]float32, 4), 4))
	assert.ErrorContains(t, CheckDimensions(make([]float32, 3), 4), "expected 4")
}

func TestRankBySimilarity(t *testing.T) {
	query := []float32{1, 0}
	candidates := [][]float32{
		{0, 1},    // orthogonal
		{1, 0},    // identical
		{1, 1},    // 45 degrees
		{1, 0, 0}, // wrong length, skipped
	}

	ranked := RankBySimilarity(query, candidates, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, 1, ranked[0].Index)
	assert.Equal(t, 2, ranked[1].Index)
	assert.Greater(t, ranked[0].Similarity, ranked[1].Similarity)

	assert.Len(t, RankBySimilarity(query, candidates, 10), 3)
	assert.Empty(t, RankBySimilarity(query, candidates, 0))
	assert.Empty(t, RankBySimilarity(nil, candidates, 3))
}
