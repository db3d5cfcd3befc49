package docrag

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/flarexio/docrag/backend"
)

func LoggingMiddleware(log *zap.Logger) ServiceMiddleware {
	log = log.With(
		zap.String("service", "docrag"),
	)

	return func(next Service) Service {
		log.Info("service initialized",
			zap.String("backend", next.Backend().String()),
		)

		return &loggingMiddleware{
			log:  log,
			next: next,
		}
	}
}

type loggingMiddleware struct {
	log  *zap.Logger
	next Service
}

func (mw *loggingMiddleware) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	log := mw.log.With(
		zap.String("action", "ingest"),
		zap.String("collection", req.Collection),
		zap.String("document", req.Document),
		zap.Int("size", len(req.Text)),
	)

	n, err := mw.next.Ingest(ctx, req)
	if err != nil {
		var partial *backend.PartialIngestError
		if errors.As(err, &partial) {
			log = log.With(
				zap.Int("written", partial.Written),
				zap.Int("total", partial.Total),
			)
		}

		log.Error(err.Error())
		return n, err
	}

	log.Info("document ingested", zap.Int("chunks", n))
	return n, nil
}

func (mw *loggingMiddleware) Query(ctx context.Context, collection string, query string, k int, maxContextChars int) (*QueryResult, error) {
	log := mw.log.With(
		zap.String("action", "query"),
		zap.String("collection", collection),
		zap.String("query", query),
		zap.Int("k", k),
	)

	if maxContextChars > 0 {
		log = log.With(
			zap.Int("max_context_chars", maxContextChars),
		)
	}

	result, err := mw.next.Query(ctx, collection, query, k, maxContextChars)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	log.Info("collection queried", zap.Int("count", len(result.Results)))
	return result, nil
}

func (mw *loggingMiddleware) ListCollections(ctx context.Context) ([]backend.CollectionSummary, error) {
	log := mw.log.With(
		zap.String("action", "list_collections"),
	)

	collections, err := mw.next.ListCollections(ctx)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	log.Info("collections listed", zap.Int("count", len(collections)))
	return collections, nil
}

func (mw *loggingMiddleware) DeleteCollection(ctx context.Context, name string) (bool, error) {
	log := mw.log.With(
		zap.String("action", "delete_collection"),
		zap.String("collection", name),
	)

	deleted, err := mw.next.DeleteCollection(ctx, name)
	if err != nil {
		log.Error(err.Error())
		return false, err
	}

	if !deleted {
		log.Info("collection not found")
		return false, nil
	}

	log.Info("collection deleted")
	return true, nil
}

func (mw *loggingMiddleware) Stats(ctx context.Context, name string) (*backend.CollectionSummary, error) {
	log := mw.log.With(
		zap.String("action", "stats"),
		zap.String("collection", name),
	)

	summary, err := mw.next.Stats(ctx, name)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	log.Debug("collection stats",
		zap.Int("documents", summary.DocumentCount),
		zap.Int("chunks", summary.ChunkCount),
	)

	return summary, nil
}

func (mw *loggingMiddleware) Backend() backend.Kind {
	return mw.next.Backend()
}

func (mw *loggingMiddleware) Close() error {
	log := mw.log.With(
		zap.String("action", "close"),
	)

	err := mw.next.Close()
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Info("service closed")
	return nil
}
