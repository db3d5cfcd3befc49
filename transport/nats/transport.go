package nats

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-kit/kit/endpoint"
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/docrag"
	"github.com/flarexio/docrag/backend"
)

const (
	CodeBadRequest  = "400"
	CodeNotFound    = "404"
	CodeConflict    = "409"
	CodeFailed      = "417"
	CodeInternal    = "500"
	CodeUnavailable = "503"
)

// ErrorCode maps a service error to a micro error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, backend.ErrInvalidArgument),
		errors.Is(err, backend.ErrInvalidConfiguration),
		errors.Is(err, backend.ErrDimensionMismatch):
		return CodeBadRequest

	case errors.Is(err, backend.ErrCollectionNotFound):
		return CodeNotFound

	case errors.Is(err, backend.ErrPartialIngest):
		return CodeConflict

	case errors.Is(err, backend.ErrBackendUnavailable),
		errors.Is(err, backend.ErrNoBackendAvailable):
		return CodeUnavailable

	default:
		return CodeFailed
	}
}

func IngestHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req docrag.IngestRequest
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error(CodeBadRequest, err.Error(), nil)
			return
		}

		ctx := context.Background()
		resp, err := endpoint(ctx, req)
		if err != nil {
			var data []byte
			if errors.Is(err, backend.ErrPartialIngest) {
				data, _ = json.Marshal(&resp)
			}

			r.Error(ErrorCode(err), err.Error(), data)
			return
		}

		r.RespondJSON(&resp)
	}
}

func QueryHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req docrag.QueryRequest
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error(CodeBadRequest, err.Error(), nil)
			return
		}

		ctx := context.Background()
		resp, err := endpoint(ctx, req)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		result, ok := resp.(*docrag.QueryResult)
		if !ok {
			r.Error(CodeInternal, "invalid response type", nil)
			return
		}

		r.RespondJSON(result)
	}
}

func ListCollectionsHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		ctx := context.Background()
		resp, err := endpoint(ctx, nil)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		collections, ok := resp.([]backend.CollectionSummary)
		if !ok {
			r.Error(CodeInternal, "invalid response type", nil)
			return
		}

		r.RespondJSON(&collections)
	}
}

func DeleteCollectionHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		name := string(r.Data())
		if name == "" {
			r.Error(CodeBadRequest, "collection name is required", nil)
			return
		}

		ctx := context.Background()
		resp, err := endpoint(ctx, name)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		result, ok := resp.(docrag.DeleteCollectionResponse)
		if !ok {
			r.Error(CodeInternal, "invalid response type", nil)
			return
		}

		r.RespondJSON(&result)
	}
}

func StatsHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		name := string(r.Data())
		if name == "" {
			r.Error(CodeBadRequest, "collection name is required", nil)
			return
		}

		ctx := context.Background()
		resp, err := endpoint(ctx, name)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		summary, ok := resp.(*backend.CollectionSummary)
		if !ok {
			r.Error(CodeInternal, "invalid response type", nil)
			return
		}

		r.RespondJSON(summary)
	}
}
