package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flarexio/docrag"
)

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id"`
	Method  mcp.MCPMethod   `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func ErrorResponse(id mcp.RequestId, code int, message string) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error: struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    any    `json:"data,omitempty"`
		}{
			Code:    code,
			Message: message,
		},
	}
}

type MCPEndpoint func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage

const MCPSERVER_INSTRUCTIONS string = `DocRAG retrieves passages from document collections to ground answers:

1. **Search**: find the chunks most relevant to a question within one collection
2. **Discovery**: list the available collections with their descriptions and sizes
3. **Statistics**: inspect document and chunk counts of a collection

Available tools:
- search_documents: ranked chunks and a joined context for a query
- list_collections: all collections
- collection_stats: summary of one collection

Search works the same whichever storage backend the server runs on.`

const (
	ToolSearchDocuments = "search_documents"
	ToolListCollections = "list_collections"
	ToolCollectionStats = "collection_stats"
)

func Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(ToolSearchDocuments,
			mcp.WithDescription("Search a collection for the chunks most relevant to a query."),
			mcp.WithString("collection",
				mcp.Required(),
				mcp.Description("Name of the collection to search"),
			),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Natural language query"),
			),
			mcp.WithNumber("k",
				mcp.Description("Maximum number of chunks to return"),
				mcp.Min(1),
			),
			mcp.WithNumber("max_context_chars",
				mcp.Description("Maximum characters of retrieved text, 0 for unlimited"),
				mcp.Min(0),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		mcp.NewTool(ToolListCollections,
			mcp.WithDescription("List all document collections."),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		mcp.NewTool(ToolCollectionStats,
			mcp.WithDescription("Show document and chunk counts of a collection."),
			mcp.WithString("collection",
				mcp.Required(),
				mcp.Description("Name of the collection"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
	}
}

func MakeEndpoints(svc docrag.Service, cfg docrag.QueryConfig) map[mcp.MCPMethod]MCPEndpoint {
	endpoints := make(map[mcp.MCPMethod]MCPEndpoint)
	endpoints[mcp.MethodInitialize] = InitializeEndpoint(svc)
	endpoints[mcp.MethodPing] = PingEndpoint(svc)
	endpoints[mcp.MethodToolsList] = ListToolsEndpoint(svc)
	endpoints[mcp.MethodToolsCall] = CallToolEndpoint(svc, cfg)
	return endpoints
}

func InitializeEndpoint(svc docrag.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		var params mcp.InitializeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
		}

		protocolVersion := mcp.LATEST_PROTOCOL_VERSION
		if clientVersion := params.ProtocolVersion; clientVersion != "" {
			if slices.Contains(mcp.ValidProtocolVersions, clientVersion) {
				protocolVersion = clientVersion
			}
		}

		result := &mcp.InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: mcp.ServerCapabilities{
				Tools: &struct {
					ListChanged bool `json:"listChanged,omitempty"`
				}{},
			},
			ServerInfo: mcp.Implementation{
				Name:    "docrag",
				Version: "1.0.0",
			},
			Instructions: MCPSERVER_INSTRUCTIONS,
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

func PingEndpoint(svc docrag.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  struct{}{}, // empty response
		}
	}
}

func ListToolsEndpoint(svc docrag.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		result := &mcp.ListToolsResult{
			Tools: Tools(),
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

// CallToolEndpoint reports service failures inside the tool result, so the
// model can see them. Unknown tools are protocol errors.
func CallToolEndpoint(svc docrag.Service, cfg docrag.QueryConfig) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
		}

		callToolReq := mcp.CallToolRequest{
			Request: mcp.Request{
				Method: string(req.Method),
			},
			Params: params,
		}

		var (
			result any
			err    error
		)

		switch params.Name {
		case ToolSearchDocuments:
			result, err = searchDocuments(ctx, svc, cfg, callToolReq)

		case ToolListCollections:
			result, err = svc.ListCollections(ctx)

		case ToolCollectionStats:
			result, err = collectionStats(ctx, svc, callToolReq)

		default:
			return ErrorResponse(req.ID, mcp.METHOD_NOT_FOUND,
				fmt.Sprintf("tool not found: %s", params.Name))
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  toolResult(result, err),
		}
	}
}

func searchDocuments(ctx context.Context, svc docrag.Service, cfg docrag.QueryConfig, req mcp.CallToolRequest) (*docrag.QueryResult, error) {
	collection, err := req.RequireString("collection")
	if err != nil {
		return nil, err
	}

	query, err := req.RequireString("query")
	if err != nil {
		return nil, err
	}

	k := req.GetInt("k", cfg.TopK)
	maxContextChars := req.GetInt("max_context_chars", cfg.MaxContextChars)

	return svc.Query(ctx, collection, query, k, maxContextChars)
}

func collectionStats(ctx context.Context, svc docrag.Service, req mcp.CallToolRequest) (any, error) {
	collection, err := req.RequireString("collection")
	if err != nil {
		return nil, err
	}

	return svc.Stats(ctx, collection)
}

func toolResult(v any, err error) *mcp.CallToolResult {
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}

	bs, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}

	return mcp.NewToolResultText(string(bs))
}
