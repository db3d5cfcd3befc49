// Package chunker splits document text into overlapping fixed-size windows.
package chunker

import (
	"errors"
	"fmt"
	"iter"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var ErrInvalidConfiguration = errors.New("invalid chunk configuration")

// Validate reports whether size and overlap describe a usable window.
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, size)
	}

	if overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfiguration, overlap)
	}

	if overlap >= size {
		return fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", ErrInvalidConfiguration, overlap, size)
	}

	return nil
}

// Split returns the chunks of text measured in runes. Each window is at most
// size runes long and starts size-overlap runes after the previous one. The
// sequence stops after the first window that reaches the end of the text, so
// every rune is covered and no window is a suffix of its predecessor.
//
// The returned sequence can be ranged over any number of times.
func Split(text string, size, overlap int) (iter.Seq[string], error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}

	runes := []rune(text)
	step := size - overlap

	return func(yield func(string) bool) {
		for start := 0; start < len(runes); start += step {
			end := min(start+size, len(runes))

			if !yield(string(runes[start:end])) {
				return
			}

			if end == len(runes) {
				return
			}
		}
	}, nil
}

// Count returns the number of chunks Split produces for a text of n runes.
func Count(n, size, overlap int) int {
	if n <= 0 || size <= 0 || overlap < 0 || overlap >= size {
		return 0
	}

	if n <= size {
		return 1
	}

	step := size - overlap
	return (n-size+step-1)/step + 1
}
