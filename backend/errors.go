package backend

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/flarexio/docrag/chunker"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidConfiguration = chunker.ErrInvalidConfiguration
	ErrCollectionNotFound   = errors.New("collection not found")
	ErrDimensionMismatch    = errors.New("vector dimension mismatch")

	// ErrBackendUnavailable is only reported while a backend is being opened.
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNoBackendAvailable = errors.New("no backend available")

	ErrIOFailure     = errors.New("io failure")
	ErrStorageFull   = errors.New("storage full")
	ErrPartialIngest = errors.New("partial ingest failure")
)

// PartialIngestError reports an ingest that stopped after writing some of its
// chunks. Written chunks are durable and counted in the collection summary.
type PartialIngestError struct {
	Collection string
	Written    int
	Total      int
	Err        error
}

func (e *PartialIngestError) Error() string {
	return fmt.Sprintf("%s: %d of %d chunks written to %s: %s",
		ErrPartialIngest.Error(), e.Written, e.Total, e.Collection, e.Err.Error())
}

func (e *PartialIngestError) Is(target error) bool {
	return target == ErrPartialIngest
}

func (e *PartialIngestError) Unwrap() error {
	return e.Err
}

// Persistence classifies a storage error as ErrStorageFull or ErrIOFailure.
func Persistence(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrIOFailure) || errors.Is(err, ErrStorageFull) {
		return err
	}

	if errors.Is(err, syscall.ENOSPC) ||
		strings.Contains(err.Error(), "disk is full") {
		return fmt.Errorf("%w: %w", ErrStorageFull, err)
	}

	return fmt.Errorf("%w: %w", ErrIOFailure, err)
}

// ValidateName rejects empty collection names.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: collection name is required", ErrInvalidArgument)
	}

	return nil
}

func ValidateQuery(q Query) error {
	if q.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, q.K)
	}

	return nil
}

// ZeroVector reports whether v has no direction. Cosine similarity against
// such a vector is undefined.
func ZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}

	return true
}

// ValidateAdd checks the request shape. When vectors are required there must
// be one non-zero vector per chunk, all of the same length.
func ValidateAdd(req AddRequest, vectors bool) error {
	if err := ValidateName(req.Collection); err != nil {
		return err
	}

	if !vectors {
		return nil
	}

	if len(req.Vectors) != len(req.Chunks) {
		return fmt.Errorf("%w: %d vectors for %d chunks",
			ErrInvalidArgument, len(req.Vectors), len(req.Chunks))
	}

	for i, v := range req.Vectors {
		if len(v) == 0 || len(v) != len(req.Vectors[0]) {
			return ErrDimensionMismatch
		}

		if ZeroVector(v) {
			return fmt.Errorf("%w: chunk %d has a zero embedding", ErrInvalidArgument, i)
		}
	}

	return nil
}
