// Package localindex implements an in-process vector backend. Each collection
// keeps a flat index and a parallel list of chunk records, persisted together
// in one artifact.
package localindex

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/persistence/artifact"
)

const (
	Dir       = "localindex"
	Extension = ".idx"

	artifactVersion = 1
)

type collectionArtifact struct {
	Version   int
	Summary   backend.CollectionSummary
	Dimension int
	Vectors   [][]float32
	Records   []backend.Chunk
}

type collection struct {
	summary backend.CollectionSummary
	index   *FlatIndex
	records []backend.Chunk
}

func (c *collection) consistent() error {
	if c.index.Len() != len(c.records) {
		return fmt.Errorf("%w: index holds %d vectors for %d records",
			backend.ErrIOFailure, c.index.Len(), len(c.records))
	}

	if c.summary.ChunkCount != len(c.records) {
		return fmt.Errorf("%w: chunk count %d for %d records",
			backend.ErrIOFailure, c.summary.ChunkCount, len(c.records))
	}

	return nil
}

type Backend struct {
	dir   string
	log   *zap.Logger
	locks backend.Locks

	mu          sync.RWMutex
	collections map[string]*collection
}

// Open loads every collection artifact under <root>/localindex. Stale
// temporary files are removed; unreadable artifacts are logged and skipped.
func Open(root string, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.L()
	}

	log = log.With(
		zap.String("backend", string(backend.KindLocalIndex)),
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

		c, err := b.load(name)
		if err != nil {
			log.Error("skipping unreadable collection", zap.Error(err))
			continue
		}

		b.collections[name] = c
	}

	log.Info("backend opened", zap.Int("collections", len(b.collections)))
	return b, nil
}

func (b *Backend) load(name string) (*collection, error) {
	var a collectionArtifact
	if err := artifact.Read(b.path(name), &a); err != nil {
		return nil, err
	}

	if a.Version != artifactVersion || a.Summary.Name != name {
		return nil, fmt.Errorf("%w: version %d for collection %q",
			artifact.ErrCorrupt, a.Version, a.Summary.Name)
	}

	index, err := NewFlatIndex(a.Dimension).Append(a.Vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", artifact.ErrCorrupt, err)
	}

	a.Summary.Backend = backend.KindLocalIndex

	c := &collection{
		summary: a.Summary,
		index:   index,
		records: a.Records,
	}

	if err := c.consistent(); err != nil {
		return nil, fmt.Errorf("%w: %w", artifact.ErrCorrupt, err)
	}

	return c, nil
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
	if err := c.consistent(); err != nil {
		return err
	}

	return artifact.Write(b.path(name), collectionArtifact{
		Version:   artifactVersion,
		Summary:   c.summary,
		Dimension: c.index.Dimension(),
		Vectors:   c.index.vectors,
		Records:   c.records,
	})
}

func (b *Backend) Kind() backend.Kind {
	return backend.KindLocalIndex
}

func (b *Backend) SupportsVectors() bool {
	return true
}

func (b *Backend) Add(ctx context.Context, req backend.AddRequest) (int, error) {
	if err := backend.ValidateAdd(req, true); err != nil {
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
			summary: backend.NewSummary(req.Collection, req.Document, backend.KindLocalIndex, now),
			index:   NewFlatIndex(0),
		}
	}

	index, err := current.index.Append(req.Vectors)
	if err != nil {
		return 0, err
	}

	summary := current.summary
	summary.Record(req.Document, len(req.Chunks), now)

	next := &collection{
		summary: summary,
		index:   index,
		records: make([]backend.Chunk, 0, len(current.records)+len(req.Chunks)),
	}

	next.records = append(next.records, current.records...)
	next.records = append(next.records, req.Chunks...)

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

	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", backend.ErrInvalidArgument)
	}

	defer b.locks.RLock(name)()

	c, ok := b.get(name)
	if !ok {
		return nil, backend.ErrCollectionNotFound
	}

	positions, distances, err := c.index.Search(q.Vector, q.K)
	if err != nil {
		return nil, err
	}

	if backend.ZeroVector(q.Vector) {
		return []backend.Result{}, nil
	}

	results := make([]backend.Result, len(positions))
	for i, p := range positions {
		results[i] = backend.Result{
			Chunk: c.records[p],
			Score: float64(1 - distances[i]),
		}
	}

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

// Len reports the index and record counts of a collection.
func (b *Backend) Len(name string) (vectors int, records int, ok bool) {
	defer b.locks.RLock(name)()

	c, ok := b.get(name)
	if !ok {
		return 0, 0, false
	}

	return c.index.Len(), len(c.records), true
}

func (b *Backend) Close() error {
	return nil
}
