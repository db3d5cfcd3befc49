package http

import (
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flarexio/docrag"

	mcpE "github.com/flarexio/docrag/mcp"
)

func AddRouters(r *gin.Engine, endpoints docrag.EndpointSet) {
	// RESTful API routes
	api := r.Group("/api")
	{
		api.GET("/collections", ListCollectionsHandler(endpoints.ListCollections))
		api.GET("/collections/:name", StatsHandler(endpoints.Stats))
		api.DELETE("/collections/:name", DeleteCollectionHandler(endpoints.DeleteCollection))
		api.POST("/collections/:name/documents", IngestHandler(endpoints.Ingest))
		api.POST("/collections/:name/query", QueryHandler(endpoints.Query))
	}
}

func AddMetricsRouter(r *gin.Engine, gatherer prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func AddStreamableRouters(r *gin.Engine, endpoints map[mcp.MCPMethod]mcpE.MCPEndpoint) {
	mcp := r.Group("/mcp")
	{
		mcp.POST("/", MCPStreamableHandler(endpoints))
	}
}
