// Package keyword implements a backend that ranks chunks by word overlap
// with the query. It needs no embedder.
package keyword

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/persistence/artifact"
)

const (
	Dir       = "keyword"
	Extension = ".kw"

	artifactVersion = 1
)

type collectionArtifact struct {
	Version int
	Summary backend.CollectionSummary
	Chunks  []backend.Chunk
}

// collection is immutable once published; mutations build a new one.
type collection struct {
	summary backend.CollectionSummary
	chunks  []backend.Chunk
	tokens  []TokenSet
}

func (c *collection) with(summary backend.CollectionSummary, chunks []backend.Chunk) *collection {
	next := &collection{
		summary: summary,
		chunks:  make([]backend.Chunk, 0, len(c.chunks)+len(chunks)),
		tokens:  make([]TokenSet, 0, len(c.tokens)+len(chunks)),
	}

	next.chunks = append(next.chunks, c.chunks...)
	next.chunks = append(next.chunks, chunks...)

	next.tokens = append(next.tokens, c.tokens...)
	for _, chunk := range chunks {
		next.tokens = append(next.tokens, Tokenize(chunk.Text))
	}

	return next
}

type Backend struct {
	dir   string
	log   *zap.Logger
	locks backend.Locks

	mu          sync.RWMutex
	collections map[string]*collection
}

// Open loads every collection artifact under <root>/keyword. Artifacts that
// cannot be decoded are logged and skipped.
func Open(root string, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.L()
	}

	log = log.With(
		zap.String("backend", string(backend.KindKeyword)),
	)

	dir := filepath.Join(root, Dir)

	names, err := artifact.Scan(dir, Extension)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBackendUnavailable, err)
	}

	b := &Backend{
		dir:         dir,
		log:         log,
		collections: make(map[string]*collection),
	}

	for _, name := range names {
		log := log.With(
			zap.String("collection", name),
		)

		var a collectionArtifact
		if err := artifact.Read(b.path(name), &a); err != nil {
			log.Error("skipping unreadable collection", zap.Error(err))
			continue
		}

		if a.Version != artifactVersion || a.Summary.Name != name {
			log.Error("skipping unreadable collection",
				zap.Int("version", a.Version),
				zap.String("artifact_name", a.Summary.Name),
			)
			continue
		}

		if a.Summary.ChunkCount != len(a.Chunks) {
			log.Warn("chunk count reconciled",
				zap.Int("recorded", a.Summary.ChunkCount),
				zap.Int("stored", len(a.Chunks)),
			)

			a.Summary.ChunkCount = len(a.Chunks)
		}

		a.Summary.Backend = backend.KindKeyword
		b.collections[name] = new(collection).with(a.Summary, a.Chunks)
	}

	log.Info("backend opened", zap.Int("collections", len(b.collections)))
	return b, nil
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.dir, artifact.FileName(name, Extension))
}

func (b *Backend) get(name string) (*collection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.collections[name]
	return c, ok
}

func (b *Backend) persist(name string, c *collection) error {
	if len(c.chunks) != len(c.tokens) || c.summary.ChunkCount != len(c.chunks) {
		return fmt.Errorf("%w: collection %s has %d chunks, %d token sets and chunk count %d",
			backend.ErrIOFailure, name, len(c.chunks), len(c.tokens), c.summary.ChunkCount)
	}

	return artifact.Write(b.path(name), collectionArtifact{
		Version: artifactVersion,
		Summary: c.summary,
		Chunks:  c.chunks,
	})
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindKeyword
}

func (b *Backend) SupportsVectors() bool {
	return false
}

func (b *Backend) Add(ctx context.Context, req backend.AddRequest) (int, error) {
	if err := backend.ValidateAdd(req, false); err != nil {
		return 0, err
	}

	if len(req.Chunks) == 0 {
		return 0, nil
	}

	defer b.locks.Lock(req.Collection)()

	now := time.Now()

	current, ok := b.get(req.Collection)
	if !ok {
		current = &collection{
			summary: backend.NewSummary(req.Collection, req.Document, backend.KindKeyword, now),
		}
	}

	summary := current.summary
	summary.Record(req.Document, len(req.Chunks), now)

	next := current.with(summary, req.Chunks)
	if err := b.persist(req.Collection, next); err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.collections[req.Collection] = next
	b.mu.Unlock()

	return len(req.Chunks), nil
}

func (b *Backend) Search(ctx context.Context, name string, q backend.Query) ([]backend.Result, error) {
	if err := backend.ValidateQuery(q); err != nil {
		return nil, err
	}

	defer b.locks.RLock(name)()

	c, ok := b.get(name)
	if !ok {
		return nil, backend.ErrCollectionNotFound
	}

	query := newQuery(q.Text)

	results := make([]backend.Result, 0)
	for i, chunk := range c.chunks {
		score := query.score(c.tokens[i], chunk.Text)
		if score <= 0 {
			continue
		}

		results = append(results, backend.Result{
			Chunk: chunk,
			Score: score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return backend.Rank(results, q.K), nil
}

func (b *Backend) ListCollections(ctx context.Context) ([]backend.CollectionSummary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	summaries := make([]backend.CollectionSummary, 0, len(b.collections))
	for _, c := range b.collections {
		summaries = append(summaries, c.summary)
	}

	slices.SortFunc(summaries, func(x, y backend.CollectionSummary) int {
		return strings.Compare(x.Name, y.Name)
	})

	return summaries, nil
}

func (b *Backend) DeleteCollection(ctx context.Context, name string) (bool, error) {
	defer b.locks.Lock(name)()

	if _, err := artifact.Remove(b.path(name)); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.collections[name]
	delete(b.collections, name)

	return ok, nil
}

func (b *Backend) Stats(ctx context.Context, name string) (backend.CollectionSummary, error) {
	defer b.locks.RLock(name)()

	c, ok := b.get(name)
	if !ok {
		return backend.CollectionSummary{}, backend.ErrCollectionNotFound
	}

	return c.summary, nil
}

// MarkQueried updates the in-memory summary only. The timestamp reaches disk
// with the next write to the collection.
func (b *Backend) MarkQueried(ctx context.Context, name string, at time.Time) error {
	defer b.locks.Lock(name)()

	c, ok := b.get(name)
	if !ok {
		return backend.ErrCollectionNotFound
	}

	next := *c
	next.summary.LastQueriedAt = at

	b.mu.Lock()
	b.collections[name] = &next
	b.mu.Unlock()

	return nil
}

func (b *Backend) Close() error {
	return nil
}
