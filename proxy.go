package docrag

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/flarexio/docrag/backend"
)

// ProxyMiddleware turns client endpoints into a Service. The wrapped service
// is ignored.
func ProxyMiddleware(endpoints *EndpointSet) ServiceMiddleware {
	return func(next Service) Service {
		return &proxyMiddleware{
			endpoints: endpoints,
		}
	}
}

type proxyMiddleware struct {
	endpoints *EndpointSet

	// kind is the remote backend as last reported by a response.
	kind atomic.Value
}

func (mw *proxyMiddleware) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	resp, err := mw.endpoints.Ingest(ctx, req)

	result, ok := resp.(IngestResponse)
	if !ok {
		if err != nil {
			return 0, err
		}

		return 0, errors.New("invalid response type")
	}

	if result.Backend != "" {
		mw.kind.Store(result.Backend)
	}

	return result.ChunksProcessed, err
}

func (mw *proxyMiddleware) Query(ctx context.Context, collection string, query string, k int, maxContextChars int) (*QueryResult, error) {
	req := QueryRequest{
		Collection:      collection,
		Query:           query,
		K:               &k,
		MaxContextChars: &maxContextChars,
	}

	resp, err := mw.endpoints.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	result, ok := resp.(*QueryResult)
	if !ok {
		return nil, errors.New("invalid response type")
	}

	if result.Backend != "" {
		mw.kind.Store(result.Backend)
	}

	return result, nil
}

func (mw *proxyMiddleware) ListCollections(ctx context.Context) ([]backend.CollectionSummary, error) {
	resp, err := mw.endpoints.ListCollections(ctx, nil)
	if err != nil {
		return nil, err
	}

	collections, ok := resp.([]backend.CollectionSummary)
	if !ok {
		return nil, errors.New("invalid response type")
	}

	return collections, nil
}

func (mw *proxyMiddleware) DeleteCollection(ctx context.Context, name string) (bool, error) {
	resp, err := mw.endpoints.DeleteCollection(ctx, name)
	if err != nil {
		return false, err
	}

	result, ok := resp.(DeleteCollectionResponse)
	if !ok {
		return false, errors.New("invalid response type")
	}

	return result.Deleted, nil
}

func (mw *proxyMiddleware) Stats(ctx context.Context, name string) (*backend.CollectionSummary, error) {
	resp, err := mw.endpoints.Stats(ctx, name)
	if err != nil {
		return nil, err
	}

	summary, ok := resp.(*backend.CollectionSummary)
	if !ok {
		return nil, errors.New("invalid response type")
	}

	if summary.Backend != "" {
		mw.kind.Store(summary.Backend)
	}

	return summary, nil
}

// Backend is empty until a response has named the remote backend.
func (mw *proxyMiddleware) Backend() backend.Kind {
	kind, _ := mw.kind.Load().(backend.Kind)
	return kind
}

func (mw *proxyMiddleware) Close() error {
	return errors.New("method not implemented")
}
