package localindex

import (
	"fmt"
	"sort"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/embedding"
)

// FlatIndex is an exact inner product index over unit vectors. Appending
// returns a new index and never changes the receiver.
type FlatIndex struct {
	dimension int
	vectors   [][]float32
}

func NewFlatIndex(dimension int) *FlatIndex {
	return &FlatIndex{dimension: dimension}
}

func (ix *FlatIndex) Len() int {
	return len(ix.vectors)
}

func (ix *FlatIndex) Dimension() int {
	return ix.dimension
}

// Append returns an index holding the receiver's vectors followed by the
// normalised copies of vectors.
func (ix *FlatIndex) Append(vectors [][]float32) (*FlatIndex, error) {
	dimension := ix.dimension

	next := &FlatIndex{
		vectors: make([][]float32, len(ix.vectors), len(ix.vectors)+len(vectors)),
	}

	copy(next.vectors, ix.vectors)

	for _, v := range vectors {
		if dimension == 0 {
			dimension = len(v)
		}

		if len(v) != dimension {
			return nil, fmt.Errorf("%w: index has %d dimensions, got %d",
				backend.ErrDimensionMismatch, dimension, len(v))
		}

		vec := make([]float32, len(v))
		copy(vec, v)

		next.vectors = append(next.vectors, embedding.Normalize(vec))
	}

	next.dimension = dimension
	return next, nil
}

// Search returns the positions of the k vectors with the largest inner
// product with q and their distances, 1 minus the inner product. Equal
// distances keep insertion order.
func (ix *FlatIndex) Search(q []float32, k int) ([]int, []float32, error) {
	if len(q) != ix.dimension {
		return nil, nil, fmt.Errorf("%w: index has %d dimensions, query has %d",
			backend.ErrDimensionMismatch, ix.dimension, len(q))
	}

	query := make([]float32, len(q))
	copy(query, q)
	embedding.Normalize(query)

	positions := make([]int, len(ix.vectors))
	products := make([]float32, len(ix.vectors))
	for i, v := range ix.vectors {
		positions[i] = i
		products[i] = dot(query, v)
	}

	sort.SliceStable(positions, func(i, j int) bool {
		return products[positions[i]] > products[positions[j]]
	})

	positions = positions[:min(k, len(positions))]

	distances := make([]float32, len(positions))
	for i, p := range positions {
		distances[i] = 1 - products[p]
	}

	return positions, distances, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
