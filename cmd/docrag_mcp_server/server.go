package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	mcpE "github.com/flarexio/docrag/mcp"
)

type StdioMCPServer interface {
	AddEndpoint(method mcp.MCPMethod, endpoint mcpE.MCPEndpoint) error
	Listen(ctx context.Context) error
}

func NewStdioMCPServer(in io.Reader, out io.Writer) StdioMCPServer {
	return &stdioMCPServer{
		in:        in,
		out:       out,
		endpoints: make(map[mcp.MCPMethod]mcpE.MCPEndpoint),
		log:       zap.L().With(zap.String("server", "stdio")),
	}
}

type stdioMCPServer struct {
	in        io.Reader
	out       io.Writer
	endpoints map[mcp.MCPMethod]mcpE.MCPEndpoint
	log       *zap.Logger
}

func (s *stdioMCPServer) Listen(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)

	// tools/call results can exceed the default token size
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lines := make(chan string)
	errs := make(chan error, 1)

	go func(ctx context.Context, lines chan<- string, errs chan<- error) {
		defer close(lines)

		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}(ctx, lines, errs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if line == "" {
				continue
			}

			resp, ok := s.handle(ctx, []byte(line))
			if !ok {
				continue
			}

			bs, err := json.Marshal(resp)
			if err != nil {
				s.log.Error(err.Error())
				continue
			}

			fmt.Fprintf(s.out, "%s\n", bs)
		}
	}
}

// handle returns false for messages that get no reply.
func (s *stdioMCPServer) handle(ctx context.Context, line []byte) (mcp.JSONRPCMessage, bool) {
	var req mcpE.JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return mcpE.ErrorResponse(mcp.NewRequestId(nil), mcp.PARSE_ERROR, err.Error()), true
	}

	if req.ID.IsNil() {
		return nil, false
	}

	endpoint, ok := s.endpoints[req.Method]
	if !ok {
		return mcpE.ErrorResponse(req.ID, mcp.METHOD_NOT_FOUND, "method not found"), true
	}

	return endpoint(ctx, req), true
}

func (s *stdioMCPServer) AddEndpoint(method mcp.MCPMethod, endpoint mcpE.MCPEndpoint) error {
	_, ok := s.endpoints[method]
	if ok {
		return errors.New("endpoint already exists")
	}

	s.endpoints[method] = endpoint
	return nil
}
