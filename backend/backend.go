// Package backend defines the storage and retrieval contract shared by the
// vector database, local index and keyword implementations.
package backend

import (
	"context"
	"slices"
	"strconv"
	"time"
)

type Kind string

const (
	KindChromem    Kind = "chromem"
	KindLocalIndex Kind = "localindex"
	KindKeyword    Kind = "keyword"
)

func (k Kind) String() string {
	return string(k)
}

// Backend stores chunks per collection and ranks them against a query.
// Mutations are durable when they return without error.
type Backend interface {
	Kind() Kind

	// SupportsVectors reports whether Add expects one vector per chunk and
	// Search expects a query vector.
	SupportsVectors() bool

	// Add appends chunks to a collection, creating it when absent, and
	// returns the number of chunks written.
	Add(ctx context.Context, req AddRequest) (int, error)

	// Search returns up to q.K results ordered by descending score.
	Search(ctx context.Context, collection string, q Query) ([]Result, error)

	ListCollections(ctx context.Context) ([]CollectionSummary, error)

	// DeleteCollection reports false when the collection does not exist.
	DeleteCollection(ctx context.Context, name string) (bool, error)

	Stats(ctx context.Context, name string) (CollectionSummary, error)

	// MarkQueried records the last query time of a collection.
	MarkQueried(ctx context.Context, name string, at time.Time) error

	Close() error
}

type Document struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsPublic    bool     `json:"is_public"`
	Owner       string   `json:"owner,omitempty"`
	Size        int      `json:"size"`
}

type Chunk struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Index    int               `json:"index"`
	Length   int               `json:"length"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const (
	MetadataSource     = "source"
	MetadataChunkIndex = "chunk_index"
	MetadataChunkSize  = "chunk_size"
)

// Flatten returns the chunk metadata including its positional attributes.
func (c Chunk) Flatten() map[string]string {
	m := make(map[string]string, len(c.Metadata)+3)
	for k, v := range c.Metadata {
		m[k] = v
	}

	m[MetadataSource] = c.Source
	m[MetadataChunkIndex] = strconv.Itoa(c.Index)
	m[MetadataChunkSize] = strconv.Itoa(c.Length)
	return m
}

// ChunkFromMetadata is the inverse of Flatten.
func ChunkFromMetadata(id, text string, metadata map[string]string) Chunk {
	chunk := Chunk{
		ID:     id,
		Text:   text,
		Source: metadata[MetadataSource],
	}

	chunk.Index, _ = strconv.Atoi(metadata[MetadataChunkIndex])
	chunk.Length, _ = strconv.Atoi(metadata[MetadataChunkSize])

	for k, v := range metadata {
		switch k {
		case MetadataSource, MetadataChunkIndex, MetadataChunkSize:
			continue
		}

		if chunk.Metadata == nil {
			chunk.Metadata = make(map[string]string)
		}

		chunk.Metadata[k] = v
	}

	return chunk
}

type AddRequest struct {
	Collection string
	Document   Document
	Chunks     []Chunk

	// Vectors is parallel to Chunks and required by vector backends.
	Vectors [][]float32
}

type Query struct {
	Text   string
	Vector []float32
	K      int
}

type Result struct {
	Chunk     Chunk   `json:"chunk"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
	Truncated bool    `json:"truncated,omitempty"`
}

type CollectionSummary struct {
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	DocumentCount int       `json:"document_count"`
	ChunkCount    int       `json:"chunk_count"`
	TotalSize     int64     `json:"total_size"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastQueriedAt time.Time `json:"last_queried_at,omitzero"`
	IsPublic      bool      `json:"is_public"`
	Owner         string    `json:"owner,omitempty"`
	Backend       Kind      `json:"backend"`
}

// NewSummary returns the summary of a collection created by doc.
func NewSummary(name string, doc Document, kind Kind, now time.Time) CollectionSummary {
	return CollectionSummary{
		Name:        name,
		Description: doc.Description,
		Tags:        slices.Clone(doc.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
		IsPublic:    doc.IsPublic,
		Owner:       doc.Owner,
		Backend:     kind,
	}
}

// Record accounts for an ingest of doc that wrote the given number of chunks.
func (s *CollectionSummary) Record(doc Document, written int, now time.Time) {
	if written <= 0 {
		return
	}

	if doc.Description != "" {
		s.Description = doc.Description
	}

	if len(doc.Tags) > 0 {
		s.Tags = slices.Clone(doc.Tags)
	}

	if doc.Owner != "" {
		s.Owner = doc.Owner
		s.IsPublic = doc.IsPublic
	}

	s.DocumentCount++
	s.ChunkCount += written
	s.TotalSize += int64(doc.Size)
	s.UpdatedAt = now
}

// Rank assigns 1-based positions and keeps at most k results.
func Rank(results []Result, k int) []Result {
	if len(results) > k {
		results = results[:k]
	}

	for i := range results {
		results[i].Rank = i + 1
	}

	return results
}
