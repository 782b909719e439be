package utils

import (
	"fmt"
	"math"
	"sort"
)

// dotProduct calculates the dot product of two vectors.
func dotProduct(vec1, vec2 []float32) (float32, error) {
	if len(vec1) != len(vec2) {
		return 0, fmt.Errorf("vectors must have the same dimension (%d != %d)", len(vec1), len(vec2))
	}
	var product float32
	for i := range vec1 {
		product += vec1[i] * vec2[i]
	}
	return product, nil
}

// magnitude calculates the L2 norm (magnitude) of a vector.
func magnitude(vec []float32) float32 {
	var sumOfSquares float32
	for _, val := range vec {
		sumOfSquares += val * val
	}
	return float32(math.Sqrt(float64(sumOfSquares)))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(vec1, vec2 []float32) (float32, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	dotProduct, err := dotProduct(vec1, vec2)
	if err != nil {
		return 0, err
	}

	mag1 := magnitude(vec1)
	mag2 := magnitude(vec2)

	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}

	return dotProduct / (mag1 * mag2), nil
}

// CheckDimensions returns an error unless vec has exactly want elements.
func CheckDimensions(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), want)
	}
	return nil
}

// Ranked pairs an item index with its similarity to a query.
type Ranked struct {
	Index      int
	Similarity float32
}

// RankBySimilarity scores every candidate against query and returns the
// best k, highest similarity first. Candidates whose vectors cannot be
// compared are skipped. Ties keep candidate order.
func RankBySimilarity(query []float32, candidates [][]float32, k int) []Ranked {
	if k <= 0 || len(query) == 0 {
		return nil
	}
	ranked := make([]Ranked, 0, len(candidates))
	for i, vec := range candidates {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		ranked = append(ranked, Ranked{Index: i, Similarity: similarity})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Similarity > ranked[j].Similarity
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
