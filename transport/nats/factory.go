package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/docrag"
	"github.com/flarexio/docrag/backend"
)

// IngestTimeout is longer than nats.DefaultTimeout because an ingest embeds
// every chunk before it answers.
var IngestTimeout = 2 * time.Minute

func MakeEndpoints(nc *nats.Conn, prefix string) *docrag.EndpointSet {
	return &docrag.EndpointSet{
		Ingest:           IngestEndpoint(nc, prefix+".ingest"),
		Query:            QueryEndpoint(nc, prefix+".query"),
		ListCollections:  ListCollectionsEndpoint(nc, prefix+".list_collections"),
		DeleteCollection: DeleteCollectionEndpoint(nc, prefix+".delete_collection"),
		Stats:            StatsEndpoint(nc, prefix+".stats"),
	}
}

func requestMsg(ctx context.Context, nc *nats.Conn, topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	return nc.Request(topic, data, timeout)
}

func IngestEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(docrag.IngestRequest)
		if !ok {
			return nil, errors.New("invalid request")
		}

		data, err := json.Marshal(&req)
		if err != nil {
			return nil, err
		}

		msg, err := requestMsg(ctx, nc, topic, data, IngestTimeout)
		if err != nil {
			return nil, err
		}

		// A partial ingest carries the written count next to the error.
		var resp docrag.IngestResponse
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				return nil, err
			}
		}

		return resp, Error(msg)
	}
}

func QueryEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(docrag.QueryRequest)
		if !ok {
			return nil, errors.New("invalid request")
		}

		data, err := json.Marshal(&req)
		if err != nil {
			return nil, err
		}

		msg, err := requestMsg(ctx, nc, topic, data, nats.DefaultTimeout)
		if err != nil {
			return nil, err
		}

		if err := Error(msg); err != nil {
			return nil, err
		}

		var result *docrag.QueryResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			return nil, err
		}

		return result, nil
	}
}

func ListCollectionsEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		msg, err := requestMsg(ctx, nc, topic, nil, nats.DefaultTimeout)
		if err != nil {
			return nil, err
		}

		if err := Error(msg); err != nil {
			return nil, err
		}

		var collections []backend.CollectionSummary
		if err := json.Unmarshal(msg.Data, &collections); err != nil {
			return nil, err
		}

		return collections, nil
	}
}

func DeleteCollectionEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		name, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request")
		}

		msg, err := requestMsg(ctx, nc, topic, []byte(name), nats.DefaultTimeout)
		if err != nil {
			return nil, err
		}

		if err := Error(msg); err != nil {
			return nil, err
		}

		var resp docrag.DeleteCollectionResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

func StatsEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		name, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request")
		}

		msg, err := requestMsg(ctx, nc, topic, []byte(name), nats.DefaultTimeout)
		if err != nil {
			return nil, err
		}

		if err := Error(msg); err != nil {
			return nil, err
		}

		var summary *backend.CollectionSummary
		if err := json.Unmarshal(msg.Data, &summary); err != nil {
			return nil, err
		}

		return summary, nil
	}
}

// Error rebuilds the service error carried in the micro error headers, so
// callers can match it with errors.Is.
func Error(msg *nats.Msg) error {
	if msg == nil {
		return errors.New("nil message")
	}

	code := msg.Header.Get(micro.ErrorCodeHeader)
	if code == "" {
		return nil
	}

	description := msg.Header.Get(micro.ErrorHeader)
	if description == "" {
		description = "unknown error"
	}

	switch code {
	case CodeBadRequest:
		return fmt.Errorf("%w: %s", backend.ErrInvalidArgument, description)
	case CodeNotFound:
		return fmt.Errorf("%w: %s", backend.ErrCollectionNotFound, description)
	case CodeConflict:
		return fmt.Errorf("%w: %s", backend.ErrPartialIngest, description)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", backend.ErrBackendUnavailable, description)
	default:
		return errors.New(code + ":" + description)
	}
}
