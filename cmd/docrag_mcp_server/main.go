package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/flarexio/docrag"

	mcpE "github.com/flarexio/docrag/mcp"
	natsT "github.com/flarexio/docrag/transport/nats"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "docrag_mcp_server",
		Usage: "DocRAG MCP Server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats",
				Usage:   "NATS server URL",
				Value:   nats.DefaultURL,
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:    "nats-creds",
				Usage:   "NATS user credentials file",
				Sources: cli.EnvVars("NATS_CREDS"),
			},
			&cli.StringFlag{
				Name:  "edge-id",
				Usage: "Edge ID of the DocRAG service. If not specified, uses the shared docrag topic",
			},
			&cli.IntFlag{
				Name:  "top-k",
				Usage: "Number of chunks returned when a search omits k",
				Value: docrag.DefaultTopK,
			},
			&cli.IntFlag{
				Name:  "max-context-chars",
				Usage: "Context budget applied when a search omits it, 0 is unlimited",
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err.Error())
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// stdout carries the protocol, logs go to stderr
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)

	topic := "docrag"
	name := "DocRAG MCP Server"
	if edgeID := cmd.String("edge-id"); edgeID != "" {
		topic = "edges." + edgeID + ".docrag"
		name += " - " + edgeID
	}

	opts := []nats.Option{nats.Name(name)}
	if natsCreds := cmd.String("nats-creds"); natsCreds != "" {
		opts = append(opts, nats.UserCredentials(natsCreds))
	}

	nc, err := nats.Connect(cmd.String("nats"), opts...)
	if err != nil {
		return err
	}
	defer nc.Drain()

	endpoints := natsT.MakeEndpoints(nc, topic)

	var svc docrag.Service
	svc = docrag.ProxyMiddleware(endpoints)(svc)

	cfg := docrag.QueryConfig{
		TopK:            cmd.Int("top-k"),
		MaxContextChars: cmd.Int("max-context-chars"),
	}

	s := NewStdioMCPServer(os.Stdin, os.Stdout)
	s.AddEndpoint(mcp.MethodInitialize, mcpE.InitializeEndpoint(svc))
	s.AddEndpoint(mcp.MethodPing, mcpE.PingEndpoint(svc))
	s.AddEndpoint(mcp.MethodToolsList, mcpE.ListToolsEndpoint(svc))
	s.AddEndpoint(mcp.MethodToolsCall, mcpE.CallToolEndpoint(svc, cfg))

	done := make(chan error, 1)
	go func() {
		done <- s.Listen(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sign := <-quit:
		log.Info("graceful shutdown", zap.String("signal", sign.String()))

	case err := <-done:
		if err != nil {
			log.Error(err.Error())
			return err
		}
	}

	cancel()
	return nil
}
