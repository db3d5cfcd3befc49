package docrag

import (
	"context"
	"errors"

	"github.com/go-kit/kit/endpoint"
)

type EndpointSet struct {
	Ingest           endpoint.Endpoint
	Query            endpoint.Endpoint
	ListCollections  endpoint.Endpoint
	DeleteCollection endpoint.Endpoint
	Stats            endpoint.Endpoint
}

func MakeEndpoints(svc Service, cfg QueryConfig) EndpointSet {
	return EndpointSet{
		Ingest:           IngestEndpoint(svc),
		Query:            QueryEndpoint(svc, cfg),
		ListCollections:  ListCollectionsEndpoint(svc),
		DeleteCollection: DeleteCollectionEndpoint(svc),
		Stats:            StatsEndpoint(svc),
	}
}

// IngestEndpoint returns the written count together with a partial ingest
// error, so transports can report how much of the document was stored.
func IngestEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(IngestRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		n, err := svc.Ingest(ctx, req)

		resp := IngestResponse{
			Collection:      req.Collection,
			Document:        req.Document,
			ChunksProcessed: n,
			Backend:         svc.Backend(),
		}

		return resp, err
	}
}

// QueryEndpoint substitutes the configured defaults for the fields a caller
// left out.
func QueryEndpoint(svc Service, cfg QueryConfig) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(QueryRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		k := cfg.TopK
		if req.K != nil {
			k = *req.K
		}

		maxContextChars := cfg.MaxContextChars
		if req.MaxContextChars != nil {
			maxContextChars = *req.MaxContextChars
		}

		return svc.Query(ctx, req.Collection, req.Query, k, maxContextChars)
	}
}

func ListCollectionsEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		return svc.ListCollections(ctx)
	}
}

func DeleteCollectionEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		name, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		deleted, err := svc.DeleteCollection(ctx, name)
		if err != nil {
			return nil, err
		}

		return DeleteCollectionResponse{
			Collection: name,
			Deleted:    deleted,
		}, nil
	}
}

func StatsEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		name, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		return svc.Stats(ctx, name)
	}
}
