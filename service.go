package docrag

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/chunker"
	"github.com/flarexio/docrag/embedding"
)

// Service manages collections on top of whichever backend was bound at
// startup. Callers see the same contract for every backend.
type Service interface {

	// Ingest chunks a document into a collection, creating the collection
	// when absent, and returns the number of chunks written.
	Ingest(ctx context.Context, req IngestRequest) (int, error)

	// Query returns up to k chunks ranked by relevance. maxContextChars caps
	// the retrieved text, 0 means unlimited.
	Query(ctx context.Context, collection string, query string, k int, maxContextChars int) (*QueryResult, error)

	ListCollections(ctx context.Context) ([]backend.CollectionSummary, error)

	// DeleteCollection reports false when the collection does not exist.
	DeleteCollection(ctx context.Context, name string) (bool, error)

	Stats(ctx context.Context, name string) (*backend.CollectionSummary, error)

	// Backend reports the kind of the bound backend.
	Backend() backend.Kind

	Close() error
}

type ServiceMiddleware func(Service) Service

func NewService(cfg Config, b backend.Backend, embedder embedding.Embedder) (Service, error) {
	if b == nil {
		return nil, backend.ErrNoBackendAvailable
	}

	if b.SupportsVectors() && embedder == nil {
		return nil, fmt.Errorf("%w: %s requires an embedder", backend.ErrBackendUnavailable, b.Kind())
	}

	cfg.ApplyDefaults()

	log := zap.L().With(
		zap.String("service", "docrag"),
		zap.String("backend", b.Kind().String()),
	)

	return &service{
		cfg:      cfg,
		backend:  b,
		embedder: embedder,
		log:      log,
		now:      time.Now,
	}, nil
}

type service struct {
	cfg      Config
	backend  backend.Backend
	embedder embedding.Embedder
	log      *zap.Logger
	now      func() time.Time
}

func (svc *service) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	if err := backend.ValidateName(req.Collection); err != nil {
		return 0, err
	}

	if strings.TrimSpace(req.Document) == "" {
		return 0, fmt.Errorf("%w: document name is required", backend.ErrInvalidArgument)
	}

	if strings.TrimSpace(req.Text) == "" {
		return 0, fmt.Errorf("%w: document text is required", backend.ErrInvalidArgument)
	}

	size, overlap := req.ChunkSize, req.ChunkOverlap
	if size == 0 && overlap == 0 {
		size, overlap = svc.cfg.Ingest.ChunkSize, svc.cfg.Ingest.ChunkOverlap
	}

	seq, err := chunker.Split(req.Text, size, overlap)
	if err != nil {
		return 0, err
	}

	// Chunk IDs are scoped to this ingest so re-uploading a document
	// never overwrites the chunks of an earlier upload.
	ingest := uuid.NewString()

	chunks := make([]backend.Chunk, 0, chunker.Count(utf8.RuneCountInString(req.Text), size, overlap))
	for text := range seq {
		i := len(chunks)
		chunks = append(chunks, backend.Chunk{
			ID:     fmt.Sprintf("%s:%d", ingest, i),
			Text:   text,
			Index:  i,
			Length: utf8.RuneCountInString(text),
			Source: req.Document,
		})
	}

	var vectors [][]float32
	if svc.backend.SupportsVectors() {
		vectors, err = svc.embedChunks(ctx, chunks)
		if err != nil {
			return 0, err
		}
	}

	return svc.backend.Add(ctx, backend.AddRequest{
		Collection: req.Collection,
		Document: backend.Document{
			Name:        req.Document,
			Description: req.Description,
			Tags:        req.Tags,
			IsPublic:    req.IsPublic,
			Owner:       req.Owner,
			Size:        len(req.Text),
		},
		Chunks:  chunks,
		Vectors: vectors,
	})
}

// embedChunks embeds all chunks or none of them.
func (svc *service) embedChunks(ctx context.Context, chunks []backend.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.cfg.Ingest.EmbedConcurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := svc.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}

			vectors[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return vectors, nil
}

func (svc *service) Query(ctx context.Context, collection string, query string, k int, maxContextChars int) (*QueryResult, error) {
	if err := backend.ValidateName(collection); err != nil {
		return nil, err
	}

	q := backend.Query{
		Text: query,
		K:    k,
	}

	if err := backend.ValidateQuery(q); err != nil {
		return nil, err
	}

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query text is required", backend.ErrInvalidArgument)
	}

	if svc.backend.SupportsVectors() {
		vec, err := svc.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}

		q.Vector = vec
	}

	results, err := svc.backend.Search(ctx, collection, q)
	if err != nil {
		return nil, err
	}

	if err := svc.backend.MarkQueried(ctx, collection, svc.now()); err != nil {
		svc.log.Warn("mark queried failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}

	results = Truncate(results, maxContextChars)

	return &QueryResult{
		Collection: collection,
		Query:      query,
		Backend:    svc.backend.Kind(),
		Results:    results,
		Context:    BuildContext(results),
	}, nil
}

func (svc *service) ListCollections(ctx context.Context) ([]backend.CollectionSummary, error) {
	return svc.backend.ListCollections(ctx)
}

func (svc *service) DeleteCollection(ctx context.Context, name string) (bool, error) {
	if err := backend.ValidateName(name); err != nil {
		return false, err
	}

	return svc.backend.DeleteCollection(ctx, name)
}

func (svc *service) Stats(ctx context.Context, name string) (*backend.CollectionSummary, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}

	summary, err := svc.backend.Stats(ctx, name)
	if err != nil {
		return nil, err
	}

	return &summary, nil
}

func (svc *service) Backend() backend.Kind {
	return svc.backend.Kind()
}

func (svc *service) Close() error {
	return svc.backend.Close()
}

// Truncate keeps results in rank order until maxChars runes are used. The top
// result is always kept whole; the result that crosses the limit is cut and
// marked, everything ranked below it is dropped.
func Truncate(results []backend.Result, maxChars int) []backend.Result {
	if maxChars <= 0 || len(results) == 0 {
		return results
	}

	used := utf8.RuneCountInString(results[0].Chunk.Text)

	for i := 1; i < len(results); i++ {
		remaining := maxChars - used
		if remaining <= 0 {
			return results[:i]
		}

		n := utf8.RuneCountInString(results[i].Chunk.Text)
		if n <= remaining {
			used += n
			continue
		}

		cut := results[i]
		cut.Chunk.Text = string([]rune(cut.Chunk.Text)[:remaining])
		cut.Truncated = true

		return append(results[:i:i], cut)
	}

	return results
}

func BuildContext(results []backend.Result) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}

	return strings.Join(texts, "\n\n")
}
