package localindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/embedding"
	"github.com/flarexio/docrag/persistence/artifact"
)

func TestFlatIndex(t *testing.T) {
	assert := assert.New(t)

	empty := NewFlatIndex(0)

	ix, err := empty.Append([][]float32{{1, 0}, {0, 2}, {1, 1}})
	require.NoError(t, err)

	assert.Equal(0, empty.Len())
	assert.Equal(3, ix.Len())
	assert.Equal(2, ix.Dimension())

	positions, distances, err := ix.Search([]float32{0, 5}, 2)
	require.NoError(t, err)

	assert.Equal([]int{1, 2}, positions)
	assert.InDelta(0, distances[0], 1e-6)
	assert.InDelta(1-0.70710677, distances[1], 1e-6)

	positions, _, err = ix.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(positions, 3)

	_, err = ix.Append([][]float32{{1, 2, 3}})
	assert.ErrorIs(err, backend.ErrDimensionMismatch)

	_, _, err = ix.Search([]float32{1}, 1)
	assert.ErrorIs(err, backend.ErrDimensionMismatch)
}

func TestFlatIndexTiesKeepInsertionOrder(t *testing.T) {
	ix, err := NewFlatIndex(0).Append([][]float32{{0, 1}, {1, 0}, {1, 0}, {1, 0}})
	require.NoError(t, err)

	positions, _, err := ix.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, positions)
}

type localIndexTestSuite struct {
	suite.Suite
	root     string
	embedder embedding.Embedder
	backend  *Backend
}

func (suite *localIndexTestSuite) SetupTest() {
	suite.root = suite.T().TempDir()
	suite.embedder = embedding.NewHashing(512)

	b, err := Open(suite.root, zap.NewNop())
	suite.Require().NoError(err)

	suite.backend = b
}

func (suite *localIndexTestSuite) request(collection, source string, texts ...string) backend.AddRequest {
	req := backend.AddRequest{
		Collection: collection,
		Document:   backend.Document{Name: source},
	}

	for i, text := range texts {
		vec, err := suite.embedder.Embed(context.Background(), text)
		suite.Require().NoError(err)

		req.Chunks = append(req.Chunks, backend.Chunk{
			ID:     fmt.Sprintf("%s:%d", source, i),
			Text:   text,
			Index:  i,
			Length: len(text),
			Source: source,
		})
		req.Vectors = append(req.Vectors, vec)
	}

	return req
}

func (suite *localIndexTestSuite) query(text string, k int) backend.Query {
	vec, err := suite.embedder.Embed(context.Background(), text)
	suite.Require().NoError(err)

	return backend.Query{Text: text, Vector: vec, K: k}
}

func (suite *localIndexTestSuite) TestQuickBrownFox() {
	ctx := context.Background()

	n, err := suite.backend.Add(ctx, suite.request("animals", "fox.txt",
		"The quick brown fox ", " fox jumps over the ", " the lazy dog."))
	suite.Require().NoError(err)
	suite.Equal(3, n)

	results, err := suite.backend.Search(ctx, "animals", suite.query("fox", 1))
	suite.Require().NoError(err)
	suite.Require().Len(results, 1)

	suite.Contains(results[0].Chunk.Text, "fox")
	suite.Equal(1, results[0].Rank)
	suite.InDelta(0.5, results[0].Score, 1e-5)

	vectors, records, ok := suite.backend.Len("animals")
	suite.True(ok)
	suite.Equal(3, vectors)
	suite.Equal(3, records)
}

func (suite *localIndexTestSuite) TestSelfConsistency() {
	ctx := context.Background()

	texts := []string{"the lazy dog sleeps", "a quick fox runs", "red apple", "a tall tree"}
	_, err := suite.backend.Add(ctx, suite.request("mixed", "m.txt", texts...))
	suite.Require().NoError(err)

	for _, text := range texts {
		results, err := suite.backend.Search(ctx, "mixed", suite.query(text, 1))
		suite.Require().NoError(err)
		suite.Require().Len(results, 1)
		suite.Equal(text, results[0].Chunk.Text)
		suite.InDelta(1.0, results[0].Score, 1e-5)
	}
}

func (suite *localIndexTestSuite) TestAddValidation() {
	ctx := context.Background()

	req := suite.request("animals", "a.txt", "fox")
	req.Vectors = nil

	_, err := suite.backend.Add(ctx, req)
	suite.ErrorIs(err, backend.ErrInvalidArgument)

	_, err = suite.backend.Add(ctx, suite.request("animals", "a.txt", "fox"))
	suite.Require().NoError(err)

	other := req
	other.Vectors = [][]float32{{1, 0, 0}}

	_, err = suite.backend.Add(ctx, other)
	suite.ErrorIs(err, backend.ErrDimensionMismatch)

	stats, err := suite.backend.Stats(ctx, "animals")
	suite.Require().NoError(err)
	suite.Equal(1, stats.ChunkCount)
	suite.Equal(1, stats.DocumentCount)

	_, err = suite.backend.Search(ctx, "animals", backend.Query{Text: "fox", K: 1})
	suite.ErrorIs(err, backend.ErrInvalidArgument)

	_, err = suite.backend.Search(ctx, "animals", suite.query("fox", 0))
	suite.ErrorIs(err, backend.ErrInvalidArgument)

	_, err = suite.backend.Search(ctx, "missing", suite.query("fox", 1))
	suite.ErrorIs(err, backend.ErrCollectionNotFound)
}

func (suite *localIndexTestSuite) TestReopenAndCorruption() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", "a.txt", "the lazy dog sleeps", "a quick fox runs"))
	suite.Require().NoError(err)

	_, err = suite.backend.Add(ctx, suite.request("animals", "b.txt", "red apple"))
	suite.Require().NoError(err)

	_, err = suite.backend.Add(ctx, suite.request("broken", "c.txt", "a tall tree"))
	suite.Require().NoError(err)

	// truncate one artifact as an interrupted non-atomic write would
	path := filepath.Join(suite.root, Dir, artifact.FileName("broken", Extension))
	data, err := os.ReadFile(path)
	suite.Require().NoError(err)
	suite.Require().NoError(os.WriteFile(path, data[:len(data)/2], 0o644))

	reopened, err := Open(suite.root, zap.NewNop())
	suite.Require().NoError(err)

	collections, err := reopened.ListCollections(ctx)
	suite.Require().NoError(err)
	suite.Require().Len(collections, 1)

	summary := collections[0]
	suite.Equal("animals", summary.Name)
	suite.Equal(3, summary.ChunkCount)
	suite.Equal(2, summary.DocumentCount)
	suite.Equal(backend.KindLocalIndex, summary.Backend)

	vectors, records, ok := reopened.Len("animals")
	suite.True(ok)
	suite.Equal(vectors, records)

	results, err := reopened.Search(ctx, "animals", suite.query("lazy dog", 3))
	suite.Require().NoError(err)
	suite.Require().Len(results, 3)
	suite.Equal("the lazy dog sleeps", results[0].Chunk.Text)
}

func (suite *localIndexTestSuite) TestDeleteIsIdempotent() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", "a.txt", "fox"))
	suite.Require().NoError(err)

	deleted, err := suite.backend.DeleteCollection(ctx, "animals")
	suite.NoError(err)
	suite.True(deleted)

	deleted, err = suite.backend.DeleteCollection(ctx, "animals")
	suite.NoError(err)
	suite.False(deleted)

	_, _, ok := suite.backend.Len("animals")
	suite.False(ok)

	reopened, err := Open(suite.root, zap.NewNop())
	suite.Require().NoError(err)

	collections, err := reopened.ListCollections(ctx)
	suite.NoError(err)
	suite.Empty(collections)
}

func TestLocalIndexTestSuite(t *testing.T) {
	suite.Run(t, new(localIndexTestSuite))
}
