package nats

import (
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/docrag"
)

func AddEndpoints(group micro.Group, endpoints docrag.EndpointSet) {
	group.AddEndpoint("ingest", IngestHandler(endpoints.Ingest))
	group.AddEndpoint("query", QueryHandler(endpoints.Query))
	group.AddEndpoint("list_collections", ListCollectionsHandler(endpoints.ListCollections))
	group.AddEndpoint("delete_collection", DeleteCollectionHandler(endpoints.DeleteCollection))
	group.AddEndpoint("stats", StatsHandler(endpoints.Stats))
}
