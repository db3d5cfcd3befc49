package embedding

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
)

const DefaultHashingDimension = 512

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

// Hashing is an offline bag-of-words embedder. Each lowercase word is hashed
// into one of Dimension buckets and the counts are L2 normalised, so texts
// sharing words have a positive cosine similarity.
type Hashing struct {
	dimension int
}

func NewHashing(dimension int) *Hashing {
	if dimension <= 0 {
		dimension = DefaultHashingDimension
	}

	return &Hashing{dimension}
}

func (h *Hashing) Dimension() int {
	return h.dimension
}

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimension)
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		hasher := fnv.New32a()
		hasher.Write([]byte(word))

		vec[hasher.Sum32()%uint32(h.dimension)]++
	}

	return Normalize(vec), nil
}
