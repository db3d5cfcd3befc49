package chromem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/embedding"
)

type chromemTestSuite struct {
	suite.Suite
	root     string
	cfg      Config
	embedder embedding.Embedder
	backend  *ChromemBackend
}

func (suite *chromemTestSuite) SetupTest() {
	suite.root = suite.T().TempDir()
	suite.cfg = Config{Enabled: true}
	suite.embedder = embedding.NewHashing(512)

	suite.backend = suite.open()
}

func (suite *chromemTestSuite) TearDownTest() {
	if suite.backend != nil {
		suite.backend.Close()
	}
}

func (suite *chromemTestSuite) open() *ChromemBackend {
	b, err := NewChromemBackend(context.Background(), suite.root, suite.cfg, suite.embedder, zap.NewNop())
	suite.Require().NoError(err)

	return b
}

func (suite *chromemTestSuite) reopen() *ChromemBackend {
	suite.Require().NoError(suite.backend.Close())
	suite.backend = suite.open()

	return suite.backend
}

func (suite *chromemTestSuite) request(collection string, doc backend.Document, texts ...string) backend.AddRequest {
	req := backend.AddRequest{
		Collection: collection,
		Document:   doc,
	}

	for i, text := range texts {
		vec, err := suite.embedder.Embed(context.Background(), text)
		suite.Require().NoError(err)

		req.Chunks = append(req.Chunks, backend.Chunk{
			ID:     fmt.Sprintf("%s:%d", doc.Name, i),
			Text:   text,
			Index:  i,
			Length: len(text),
			Source: doc.Name,
		})
		req.Vectors = append(req.Vectors, vec)
	}

	return req
}

func (suite *chromemTestSuite) query(text string, k int) backend.Query {
	vec, err := suite.embedder.Embed(context.Background(), text)
	suite.Require().NoError(err)

	return backend.Query{Text: text, Vector: vec, K: k}
}

func (suite *chromemTestSuite) TestQuickBrownFox() {
	ctx := context.Background()

	doc := backend.Document{Name: "fox.txt", Description: "animals", Tags: []string{"zoo"}, Owner: "alice", Size: 44}
	n, err := suite.backend.Add(ctx, suite.request("animals", doc,
		"The quick brown fox ", " fox jumps over the ", " the lazy dog."))
	suite.Require().NoError(err)
	suite.Equal(3, n)

	results, err := suite.backend.Search(ctx, "animals", suite.query("fox", 1))
	suite.Require().NoError(err)
	suite.Require().Len(results, 1)

	result := results[0]
	suite.Contains(result.Chunk.Text, "fox")
	suite.Equal(1, result.Rank)
	suite.Equal("fox.txt", result.Chunk.Source)
	suite.Contains([]string{"fox.txt:0", "fox.txt:1"}, result.Chunk.ID)
	suite.InDelta(0.5, result.Score, 1e-5)

	stats, err := suite.backend.Stats(ctx, "animals")
	suite.Require().NoError(err)

	suite.Equal(3, stats.ChunkCount)
	suite.Equal(1, stats.DocumentCount)
	suite.Equal(int64(44), stats.TotalSize)
	suite.Equal("animals", stats.Description)
	suite.Equal([]string{"zoo"}, stats.Tags)
	suite.Equal("alice", stats.Owner)
	suite.Equal(backend.KindChromem, stats.Backend)

	count, ok := suite.backend.Count("animals")
	suite.True(ok)
	suite.Equal(stats.ChunkCount, count)
}

func (suite *chromemTestSuite) TestSearchByTextUsesEmbedder() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt"},
		"the lazy dog sleeps", "a quick fox runs"))
	suite.Require().NoError(err)

	results, err := suite.backend.Search(ctx, "animals", backend.Query{Text: "lazy dog", K: 10})
	suite.Require().NoError(err)
	suite.Require().Len(results, 2)
	suite.Equal("the lazy dog sleeps", results[0].Chunk.Text)
	suite.Equal(2, results[1].Rank)
}

func (suite *chromemTestSuite) TestErrors() {
	ctx := context.Background()

	_, err := suite.backend.Search(ctx, "missing", suite.query("fox", 0))
	suite.ErrorIs(err, backend.ErrInvalidArgument)

	_, err = suite.backend.Search(ctx, "missing", suite.query("fox", 1))
	suite.ErrorIs(err, backend.ErrCollectionNotFound)

	_, err = suite.backend.Stats(ctx, "missing")
	suite.ErrorIs(err, backend.ErrCollectionNotFound)

	err = suite.backend.MarkQueried(ctx, "missing", time.Now())
	suite.ErrorIs(err, backend.ErrCollectionNotFound)

	_, err = suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt"}, "fox"))
	suite.Require().NoError(err)

	_, err = suite.backend.Add(ctx, backend.AddRequest{
		Collection: "animals",
		Document:   backend.Document{Name: "b.txt"},
		Chunks:     []backend.Chunk{{Text: "dog"}},
		Vectors:    [][]float32{{1, 0, 0}},
	})
	suite.ErrorIs(err, backend.ErrDimensionMismatch)

	_, err = suite.backend.Search(ctx, "animals", backend.Query{Vector: []float32{1, 0}, K: 1})
	suite.ErrorIs(err, backend.ErrDimensionMismatch)
}

func (suite *chromemTestSuite) TestDeleteIsIdempotent() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt"}, "fox"))
	suite.Require().NoError(err)

	deleted, err := suite.backend.DeleteCollection(ctx, "animals")
	suite.NoError(err)
	suite.True(deleted)

	deleted, err = suite.backend.DeleteCollection(ctx, "animals")
	suite.NoError(err)
	suite.False(deleted)

	collections, err := suite.reopen().ListCollections(ctx)
	suite.NoError(err)
	suite.Empty(collections)
}

func (suite *chromemTestSuite) TestMarkQueriedIsPersisted() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt"}, "fox"))
	suite.Require().NoError(err)

	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	suite.Require().NoError(suite.backend.MarkQueried(ctx, "animals", at))

	stats, err := suite.reopen().Stats(ctx, "animals")
	suite.Require().NoError(err)
	suite.True(at.Equal(stats.LastQueriedAt))
}

// An ingest interrupted between writing chunks and committing the catalog
// must leave the collection in its pre-ingest state after a restart.
func (suite *chromemTestSuite) TestRecoverUncommittedIngest() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt", Size: 10},
		"the lazy dog sleeps", "a quick fox runs"))
	suite.Require().NoError(err)

	suite.simulateCrash(ctx, "animals", "red apple", "a tall tree")
	suite.simulateCrash(ctx, "fresh", "kubernetes pods")

	b := suite.reopen()

	collections, err := b.ListCollections(ctx)
	suite.Require().NoError(err)
	suite.Require().Len(collections, 1)

	summary := collections[0]
	suite.Equal("animals", summary.Name)
	suite.Equal(2, summary.ChunkCount)
	suite.Equal(1, summary.DocumentCount)
	suite.Equal(int64(10), summary.TotalSize)

	count, ok := b.Count("animals")
	suite.True(ok)
	suite.Equal(2, count)

	_, ok = b.Count("fresh")
	suite.False(ok)

	pending, err := b.catalog.pending(ctx)
	suite.NoError(err)
	suite.Empty(pending)
}

func (suite *chromemTestSuite) simulateCrash(ctx context.Context, collection string, texts ...string) {
	b := suite.backend

	ingest := pendingIngest{
		ID:         fmt.Sprintf("crashed-%s", collection),
		Collection: collection,
		Total:      len(texts) + 1,
	}
	suite.Require().NoError(b.catalog.begin(ctx, ingest))

	c, err := b.db.GetOrCreateCollection(collection, nil, b.embed)
	suite.Require().NoError(err)

	for i, text := range texts {
		err := c.AddDocument(ctx, chromem.Document{
			ID:      chunkID(ingest.ID, i),
			Content: text,
		})
		suite.Require().NoError(err)
	}
}

func (suite *chromemTestSuite) TestReconcileChunkCount() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt"}, "fox", "dog"))
	suite.Require().NoError(err)

	summary, ok, err := suite.backend.catalog.get(ctx, "animals")
	suite.Require().NoError(err)
	suite.Require().True(ok)

	summary.ChunkCount = 7
	suite.Require().NoError(suite.backend.catalog.put(ctx, summary))

	stats, err := suite.reopen().Stats(ctx, "animals")
	suite.Require().NoError(err)
	suite.Equal(2, stats.ChunkCount)
}

func (suite *chromemTestSuite) TestZeroEmbeddings() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "rule.txt"},
		"the lazy dog sleeps", "-------------------"))
	suite.ErrorIs(err, backend.ErrInvalidArgument)

	_, ok := suite.backend.Count("animals")
	suite.False(ok)

	_, err = suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt"},
		"the lazy dog sleeps", "a quick fox runs"))
	suite.Require().NoError(err)

	// a document stored with a zero embedding by an older writer
	c := suite.backend.db.GetCollection("animals", suite.backend.embed)
	suite.Require().NotNil(c)
	suite.Require().NoError(c.AddDocument(ctx, chromem.Document{
		ID:        "legacy:0",
		Embedding: make([]float32, 512),
		Content:   "===================",
	}))

	for _, query := range []string{"dog", "???"} {
		results, err := suite.backend.Search(ctx, "animals", suite.query(query, 10))
		suite.Require().NoError(err, query)

		for _, result := range results {
			suite.False(math.IsNaN(result.Score), query)
		}

		_, err = json.Marshal(results)
		suite.NoError(err, query)
	}

	results, err := suite.backend.Search(ctx, "animals", suite.query("???", 10))
	suite.Require().NoError(err)
	suite.Empty(results)

	results, err = suite.backend.Search(ctx, "animals", backend.Query{Text: "???", K: 10})
	suite.Require().NoError(err)
	suite.Empty(results)

	results, err = suite.backend.Search(ctx, "animals", suite.query("dog", 10))
	suite.Require().NoError(err)
	suite.Require().Len(results, 2)
	suite.Equal("the lazy dog sleeps", results[0].Chunk.Text)
}

func (suite *chromemTestSuite) TestPartialIngest() {
	ctx := context.Background()

	_, err := suite.backend.Add(ctx, suite.request("animals", backend.Document{Name: "a.txt", Size: 3}, "fox"))
	suite.Require().NoError(err)

	suite.backend.newIngestID = func() string {
		return "blocked"
	}

	// A directory where the third chunk file goes makes its write fail.
	blocker := filepath.Join(suite.root, Dir, hashName("animals"), hashName(chunkID("blocked", 2))+".gob")
	suite.Require().NoError(os.MkdirAll(filepath.Join(blocker, "x"), 0o755))

	doc := backend.Document{Name: "b.txt", Size: 40}
	n, err := suite.backend.Add(ctx, suite.request("animals", doc,
		"the lazy dog sleeps", "a quick fox runs", "red apple", "a tall tree"))

	var partial *backend.PartialIngestError
	suite.Require().ErrorAs(err, &partial)
	suite.ErrorIs(err, backend.ErrPartialIngest)
	suite.ErrorIs(err, backend.ErrIOFailure)
	suite.Equal(2, n)
	suite.Equal(2, partial.Written)
	suite.Equal(4, partial.Total)
	suite.Equal("animals", partial.Collection)

	stats, err := suite.backend.Stats(ctx, "animals")
	suite.Require().NoError(err)
	suite.Equal(3, stats.ChunkCount)
	suite.Equal(2, stats.DocumentCount)

	count, ok := suite.backend.Count("animals")
	suite.True(ok)
	suite.Equal(3, count)

	suite.Require().NoError(os.RemoveAll(blocker))

	b := suite.reopen()

	stats, err = b.Stats(ctx, "animals")
	suite.Require().NoError(err)
	suite.Equal(3, stats.ChunkCount)

	count, ok = b.Count("animals")
	suite.True(ok)
	suite.Equal(3, count)

	results, err := b.Search(ctx, "animals", suite.query("red apple", 10))
	suite.Require().NoError(err)
	for _, result := range results {
		suite.NotEqual("red apple", result.Chunk.Text)
	}
}

// hashName mirrors the file naming of chromem's persistent collections.
func hashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:4])
}

func TestChromemTestSuite(t *testing.T) {
	suite.Run(t, new(chromemTestSuite))
}

func TestUnavailable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	root := t.TempDir()

	_, err := NewChromemBackend(ctx, root, Config{Enabled: false}, embedding.NewHashing(8), zap.NewNop())
	assert.ErrorIs(err, backend.ErrBackendUnavailable)

	_, err = NewChromemBackend(ctx, root, Config{Enabled: true}, nil, zap.NewNop())
	assert.ErrorIs(err, backend.ErrBackendUnavailable)
}
