package chromem

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/embedding"
)

const (
	Dir         = "chromem"
	CatalogFile = "catalog.db"

	metadataIngestID = "ingest_id"
	metadataChunkID  = "chunk_id"
)

type Config struct {
	Enabled  bool `yaml:"enabled"`
	Compress bool `yaml:"compress"`
}

func chunkID(ingestID string, i int) string {
	return ingestID + ":" + strconv.Itoa(i)
}

// NewChromemBackend opens the chromem database under <root>/chromem together
// with its catalog and rolls back ingests that did not commit.
func NewChromemBackend(ctx context.Context, root string, cfg Config, embedder embedding.Embedder, log *zap.Logger) (*ChromemBackend, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: vector database disabled", backend.ErrBackendUnavailable)
	}

	if embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", backend.ErrBackendUnavailable)
	}

	if log == nil {
		log = zap.L()
	}

	log = log.With(
		zap.String("backend", string(backend.KindChromem)),
	)

	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}

	db, err := chromem.NewPersistentDB(dir, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}

	catalog, err := openCatalog(filepath.Join(dir, CatalogFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}

	b := &ChromemBackend{
		db:          db,
		catalog:     catalog,
		embed:       embedder.Embed,
		newIngestID: uuid.NewString,
		log:         log,
	}

	if err := b.recover(ctx); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}

	log.Info("backend opened", zap.Int("collections", len(db.ListCollections())))
	return b, nil
}

type ChromemBackend struct {
	db          *chromem.DB
	catalog     *catalog
	embed       chromem.EmbeddingFunc
	newIngestID func() string
	log         *zap.Logger
	locks       backend.Locks
}

// recover brings the database and the catalog back in line: chunks written
// by uncommitted ingests are removed, then collections known to only one
// side are dropped and chunk counts follow the stored documents.
func (b *ChromemBackend) recover(ctx context.Context) error {
	pending, err := b.catalog.pending(ctx)
	if err != nil {
		return err
	}

	for _, ingest := range pending {
		log := b.log.With(
			zap.String("action", "recover"),
			zap.String("collection", ingest.Collection),
			zap.String("ingest_id", ingest.ID),
		)

		if c := b.db.GetCollection(ingest.Collection, b.embed); c != nil && ingest.Total > 0 {
			ids := make([]string, ingest.Total)
			for i := range ids {
				ids[i] = chunkID(ingest.ID, i)
			}

			if err := c.Delete(ctx, nil, nil, ids...); err != nil {
				return err
			}
		}

		if err := b.catalog.abort(ctx, ingest.ID); err != nil {
			return err
		}

		log.Warn("rolled back unfinished ingest", zap.Int("total", ingest.Total))
	}

	summaries, err := b.catalog.list(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(summaries))
	for _, s := range summaries {
		log := b.log.With(
			zap.String("action", "recover"),
			zap.String("collection", s.Name),
		)

		c := b.db.GetCollection(s.Name, b.embed)
		if c == nil {
			if _, err := b.catalog.delete(ctx, s.Name); err != nil {
				return err
			}

			log.Warn("dropped catalog entry without stored chunks")
			continue
		}

		known[s.Name] = struct{}{}

		if count := c.Count(); count != s.ChunkCount {
			log.Warn("chunk count reconciled",
				zap.Int("recorded", s.ChunkCount),
				zap.Int("stored", count),
			)

			s.ChunkCount = count
			if err := b.catalog.put(ctx, s); err != nil {
				return err
			}
		}
	}

	for name := range b.db.ListCollections() {
		if _, ok := known[name]; ok {
			continue
		}

		if err := b.db.DeleteCollection(name); err != nil {
			return err
		}

		b.log.Warn("dropped collection without catalog entry",
			zap.String("action", "recover"),
			zap.String("collection", name),
		)
	}

	return nil
}

func (b *ChromemBackend) Kind() backend.Kind {
	return backend.KindChromem
}

func (b *ChromemBackend) SupportsVectors() bool {
	return true
}

func (b *ChromemBackend) Add(ctx context.Context, req backend.AddRequest) (int, error) {
	if err := backend.ValidateAdd(req, true); err != nil {
		return 0, err
	}

	if len(req.Chunks) == 0 {
		return 0, nil
	}

	defer b.locks.Lock(req.Collection)()

	now := time.Now()

	summary, ok, err := b.catalog.get(ctx, req.Collection)
	if err != nil {
		return 0, backend.Persistence(err)
	}

	if !ok {
		summary = backend.NewSummary(req.Collection, req.Document, backend.KindChromem, now)
	}

	c, err := b.db.GetOrCreateCollection(req.Collection, nil, b.embed)
	if err != nil {
		return 0, backend.Persistence(err)
	}

	dimension, err := b.catalog.dimension(ctx, req.Collection)
	if err != nil {
		return 0, backend.Persistence(err)
	}

	if dimension > 0 && dimension != len(req.Vectors[0]) {
		return 0, fmt.Errorf("%w: collection has %d dimensions, got %d",
			backend.ErrDimensionMismatch, dimension, len(req.Vectors[0]))
	}

	ingest := pendingIngest{
		ID:         b.newIngestID(),
		Collection: req.Collection,
		Total:      len(req.Chunks),
	}

	if err := b.catalog.begin(ctx, ingest); err != nil {
		return 0, backend.Persistence(err)
	}

	written := 0
	var addErr error
	for i, chunk := range req.Chunks {
		metadata := chunk.Flatten()
		metadata[metadataIngestID] = ingest.ID

		if chunk.ID != "" {
			metadata[metadataChunkID] = chunk.ID
		}

		doc := chromem.Document{
			ID:        chunkID(ingest.ID, i),
			Metadata:  metadata,
			Embedding: req.Vectors[i],
			Content:   chunk.Text,
		}

		if err := c.AddDocument(ctx, doc); err != nil {
			// chromem keeps the document in memory even when its file
			// could not be written.
			c.Delete(ctx, nil, nil, doc.ID)

			addErr = backend.Persistence(err)
			break
		}

		written++
	}

	if written == 0 {
		if err := b.catalog.abort(ctx, ingest.ID); err != nil {
			b.log.Error(err.Error(), zap.String("ingest_id", ingest.ID))
		}

		if !ok {
			b.db.DeleteCollection(req.Collection)
		}

		return 0, addErr
	}

	summary.ChunkCount = c.Count() - written
	summary.Record(req.Document, written, now)

	if err := b.catalog.commit(ctx, ingest.ID, summary, len(req.Vectors[0])); err != nil {
		b.rollback(ctx, c, ingest.ID, written)
		return 0, backend.Persistence(err)
	}

	if addErr != nil {
		return written, &backend.PartialIngestError{
			Collection: req.Collection,
			Written:    written,
			Total:      len(req.Chunks),
			Err:        addErr,
		}
	}

	return written, nil
}

// rollback removes the chunks of an ingest that could not commit. When that
// fails the journal entry stays and the next open finishes the job.
func (b *ChromemBackend) rollback(ctx context.Context, c *chromem.Collection, ingestID string, written int) {
	log := b.log.With(
		zap.String("action", "rollback"),
		zap.String("collection", c.Name),
		zap.String("ingest_id", ingestID),
	)

	ids := make([]string, written)
	for i := range ids {
		ids[i] = chunkID(ingestID, i)
	}

	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		log.Error(err.Error())
		return
	}

	if err := b.catalog.abort(ctx, ingestID); err != nil {
		log.Error(err.Error())
		return
	}

	log.Warn("ingest rolled back", zap.Int("written", written))
}

func (b *ChromemBackend) Search(ctx context.Context, name string, q backend.Query) ([]backend.Result, error) {
	if err := backend.ValidateQuery(q); err != nil {
		return nil, err
	}

	defer b.locks.RLock(name)()

	c := b.db.GetCollection(name, b.embed)
	if c == nil {
		return nil, backend.ErrCollectionNotFound
	}

	k := min(q.K, c.Count())
	if k == 0 {
		return []backend.Result{}, nil
	}

	vector := q.Vector
	if len(vector) == 0 {
		v, err := b.embed(ctx, q.Text)
		if err != nil {
			return nil, err
		}

		vector = v
	}

	dimension, err := b.catalog.dimension(ctx, name)
	if err != nil {
		return nil, backend.Persistence(err)
	}

	if dimension > 0 && dimension != len(vector) {
		return nil, fmt.Errorf("%w: collection has %d dimensions, query has %d",
			backend.ErrDimensionMismatch, dimension, len(vector))
	}

	// Nothing is similar to a query without direction.
	if backend.ZeroVector(vector) {
		return []backend.Result{}, nil
	}

	docs, err := c.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, backend.Persistence(err)
	}

	results := make([]backend.Result, 0, len(docs))
	for _, doc := range docs {
		// a zero stored embedding normalizes to NaN
		if math.IsNaN(float64(doc.Similarity)) {
			continue
		}

		id := doc.ID
		if original, ok := doc.Metadata[metadataChunkID]; ok {
			id = original
		}

		metadata := make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			if k == metadataIngestID || k == metadataChunkID {
				continue
			}

			metadata[k] = v
		}

		results = append(results, backend.Result{
			Chunk: backend.ChunkFromMetadata(id, doc.Content, metadata),
			Score: float64(doc.Similarity),
		})
	}

	return backend.Rank(results, q.K), nil
}

func (b *ChromemBackend) ListCollections(ctx context.Context) ([]backend.CollectionSummary, error) {
	summaries, err := b.catalog.list(ctx)
	if err != nil {
		return nil, backend.Persistence(err)
	}

	return summaries, nil
}

func (b *ChromemBackend) DeleteCollection(ctx context.Context, name string) (bool, error) {
	defer b.locks.Lock(name)()

	stored := b.db.GetCollection(name, b.embed) != nil

	// The catalog goes first; a collection left without a catalog row is
	// dropped on the next open.
	deleted, err := b.catalog.delete(ctx, name)
	if err != nil {
		return false, backend.Persistence(err)
	}

	if err := b.db.DeleteCollection(name); err != nil {
		return false, backend.Persistence(err)
	}

	return deleted || stored, nil
}

func (b *ChromemBackend) Stats(ctx context.Context, name string) (backend.CollectionSummary, error) {
	defer b.locks.RLock(name)()

	summary, ok, err := b.catalog.get(ctx, name)
	if err != nil {
		return backend.CollectionSummary{}, backend.Persistence(err)
	}

	if !ok {
		return backend.CollectionSummary{}, backend.ErrCollectionNotFound
	}

	return summary, nil
}

func (b *ChromemBackend) MarkQueried(ctx context.Context, name string, at time.Time) error {
	defer b.locks.Lock(name)()

	if _, ok, err := b.catalog.get(ctx, name); err != nil {
		return backend.Persistence(err)
	} else if !ok {
		return backend.ErrCollectionNotFound
	}

	if err := b.catalog.setLastQueried(ctx, name, at); err != nil {
		return backend.Persistence(err)
	}

	return nil
}

// Count returns the number of chunks stored for a collection.
func (b *ChromemBackend) Count(name string) (int, bool) {
	c := b.db.GetCollection(name, b.embed)
	if c == nil {
		return 0, false
	}

	return c.Count(), true
}

func (b *ChromemBackend) Close() error {
	return b.catalog.Close()
}
