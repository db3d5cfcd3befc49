package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/flarexio/docrag"
	"github.com/flarexio/docrag/backend"
	"github.com/flarexio/docrag/persistence"

	mcpE "github.com/flarexio/docrag/mcp"
)

type httpTestSuite struct {
	suite.Suite
	svc    docrag.Service
	router *gin.Engine
}

func (suite *httpTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	cfg := docrag.Config{
		Storage: persistence.Config{
			Path:    suite.T().TempDir(),
			Backend: backend.KindKeyword,
		},
	}
	cfg.ApplyDefaults()

	b, err := persistence.NewSelector(cfg.Storage, nil, zap.NewNop()).Bind(context.Background())
	suite.Require().NoError(err)

	svc, err := docrag.NewService(cfg, b, nil)
	suite.Require().NoError(err)

	reg := prometheus.NewRegistry()
	svc = docrag.InstrumentingMiddleware(docrag.NewPrometheusMetrics(reg))(svc)

	r := gin.New()
	AddRouters(r, docrag.MakeEndpoints(svc, cfg.Query))
	AddMetricsRouter(r, reg)
	AddStreamableRouters(r, mcpE.MakeEndpoints(svc, cfg.Query))

	suite.svc = svc
	suite.router = r
}

func (suite *httpTestSuite) TearDownTest() {
	if suite.svc != nil {
		suite.svc.Close()
	}
}

func (suite *httpTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	suite.router.ServeHTTP(w, req)
	return w
}

func (suite *httpTestSuite) ingestFox() {
	w := suite.do(http.MethodPost, "/api/collections/animals/documents", `{
		"document": "fox.txt",
		"text": "The quick brown fox jumps over the lazy dog.",
		"chunk_size": 20,
		"chunk_overlap": 5,
		"description": "animal facts"
	}`)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var resp docrag.IngestResponse
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	suite.Equal("animals", resp.Collection)
	suite.Equal(3, resp.ChunksProcessed)
	suite.Equal(backend.KindKeyword, resp.Backend)
}

func (suite *httpTestSuite) TestIngestAndQuery() {
	suite.ingestFox()

	w := suite.do(http.MethodPost, "/api/collections/animals/query", `{"query": "fox", "k": 1}`)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var result docrag.QueryResult
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &result))
	suite.Require().Len(result.Results, 1)
	suite.Contains(result.Results[0].Chunk.Text, "fox")
	suite.Equal(1, result.Results[0].Rank)
	suite.Equal("animals", result.Collection)

	// k omitted falls back to the configured top_k
	w = suite.do(http.MethodPost, "/api/collections/animals/query", `{"query": "the"}`)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &result))
	suite.Len(result.Results, 3)
}

func (suite *httpTestSuite) TestErrorStatus() {
	w := suite.do(http.MethodPost, "/api/collections/animals/query", `{"query": "fox", "k": 0}`)
	suite.Equal(http.StatusBadRequest, w.Code)

	w = suite.do(http.MethodPost, "/api/collections/missing/query", `{"query": "fox"}`)
	suite.Equal(http.StatusNotFound, w.Code)

	w = suite.do(http.MethodGet, "/api/collections/missing", "")
	suite.Equal(http.StatusNotFound, w.Code)

	w = suite.do(http.MethodPost, "/api/collections/animals/documents", `{"document": "a.txt", "text": "fox", "chunk_size": 5, "chunk_overlap": 5}`)
	suite.Equal(http.StatusBadRequest, w.Code)

	w = suite.do(http.MethodPost, "/api/collections/animals/documents", `not json`)
	suite.Equal(http.StatusBadRequest, w.Code)
}

func (suite *httpTestSuite) TestListStatsDelete() {
	suite.ingestFox()

	w := suite.do(http.MethodGet, "/api/collections", "")
	suite.Require().Equal(http.StatusOK, w.Code)

	var collections []backend.CollectionSummary
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &collections))
	suite.Require().Len(collections, 1)
	suite.Equal("animal facts", collections[0].Description)

	w = suite.do(http.MethodGet, "/api/collections/animals", "")
	suite.Require().Equal(http.StatusOK, w.Code)

	var stats backend.CollectionSummary
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &stats))
	suite.Equal(3, stats.ChunkCount)
	suite.Equal(1, stats.DocumentCount)

	for _, want := range []bool{true, false} {
		w = suite.do(http.MethodDelete, "/api/collections/animals", "")
		suite.Require().Equal(http.StatusOK, w.Code)

		var resp docrag.DeleteCollectionResponse
		suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		suite.Equal(want, resp.Deleted)
	}
}

func (suite *httpTestSuite) TestMetrics() {
	suite.ingestFox()

	w := suite.do(http.MethodGet, "/metrics", "")
	suite.Require().Equal(http.StatusOK, w.Code)
	suite.Contains(w.Body.String(), `docrag_requests_total{backend="keyword",error="false",method="ingest"} 1`)
}

func (suite *httpTestSuite) TestMCPSearchDocuments() {
	suite.ingestFox()

	w := suite.do(http.MethodPost, "/mcp/", `{
		"jsonrpc": "2.0",
		"id": 1,
		"method": "tools/call",
		"params": {
			"name": "search_documents",
			"arguments": {"collection": "animals", "query": "fox", "k": 1}
		}
	}`)
	suite.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	suite.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	suite.False(resp.Result.IsError)
	suite.Require().Len(resp.Result.Content, 1)

	var result docrag.QueryResult
	suite.Require().NoError(json.Unmarshal([]byte(resp.Result.Content[0].Text), &result))
	suite.Require().Len(result.Results, 1)
	suite.Contains(result.Results[0].Chunk.Text, "fox")
}

func (suite *httpTestSuite) TestMCPUnknownMethod() {
	w := suite.do(http.MethodPost, "/mcp/", `{"jsonrpc": "2.0", "id": 7, "method": "resources/list"}`)
	suite.Equal(http.StatusNotFound, w.Code)

	w = suite.do(http.MethodPost, "/mcp/", `{"jsonrpc": "2.0", "method": "notifications/initialized"}`)
	suite.Equal(http.StatusAccepted, w.Code)
}

func TestHTTPTestSuite(t *testing.T) {
	suite.Run(t, new(httpTestSuite))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: k must be positive", backend.ErrInvalidArgument), http.StatusBadRequest},
		{backend.ErrInvalidConfiguration, http.StatusBadRequest},
		{backend.ErrDimensionMismatch, http.StatusBadRequest},
		{fmt.Errorf("%w: animals", backend.ErrCollectionNotFound), http.StatusNotFound},
		{&backend.PartialIngestError{Collection: "animals", Written: 1, Total: 3, Err: backend.ErrIOFailure}, http.StatusConflict},
		{backend.ErrNoBackendAvailable, http.StatusServiceUnavailable},
		{backend.ErrStorageFull, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}

func TestIngestReportsPartialWrites(t *testing.T) {
	gin.SetMode(gin.TestMode)

	partial := func(ctx context.Context, request any) (any, error) {
		req := request.(docrag.IngestRequest)
		resp := docrag.IngestResponse{Collection: req.Collection, Document: req.Document, ChunksProcessed: 2}
		return resp, &backend.PartialIngestError{Collection: req.Collection, Written: 2, Total: 3, Err: backend.ErrStorageFull}
	}

	r := gin.New()
	r.POST("/api/collections/:name/documents", IngestHandler(partial))

	req := httptest.NewRequest(http.MethodPost, "/api/collections/animals/documents",
		strings.NewReader(`{"document": "fox.txt", "text": "fox"}`))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Error  string                `json:"error"`
		Result docrag.IngestResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Result.ChunksProcessed)
	assert.Contains(t, body.Error, "2 of 3 chunks")
}
