package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/flarexio/docrag"
	"github.com/flarexio/docrag/embedding"
	"github.com/flarexio/docrag/persistence"

	mcpE "github.com/flarexio/docrag/mcp"
	httpT "github.com/flarexio/docrag/transport/http"
	natsT "github.com/flarexio/docrag/transport/nats"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "docrag",
		Usage: "DocRAG document retrieval service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Usage:   "Path to the DocRAG service",
				Sources: cli.EnvVars("DOCRAG_PATH"),
			},
			&cli.StringFlag{
				Name:    "nats",
				Usage:   "NATS server URL, NATS transport is disabled when empty",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.BoolFlag{
				Name:  "http",
				Usage: "Enable HTTP transport",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "HTTP server address",
				Value: ":8080",
			},
			&cli.BoolFlag{
				Name:  "log-production",
				Usage: "Use the production logger",
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
	path := cmd.String("path")
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		path = filepath.Join(homeDir, ".flarex", "docrag")
	}

	newLogger := zap.NewDevelopment
	if cmd.Bool("log-production") {
		newLogger = zap.NewProduction
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	zap.ReplaceGlobals(log)

	cfg, err := docrag.LoadConfig(filepath.Join(path, "config.yaml"))
	if err != nil {
		return err
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(path, "data")
	}

	embedder, err := embedding.New(cfg.Embedder)
	if err != nil {
		return err
	}

	selector := persistence.NewSelector(cfg.Storage, embedder, log)

	b, err := selector.Bind(ctx)
	if err != nil {
		return err
	}

	svc, err := docrag.NewService(cfg, b, embedder)
	if err != nil {
		return err
	}
	defer svc.Close()

	reg := prometheus.NewRegistry()

	svc = docrag.LoggingMiddleware(log)(svc)
	svc = docrag.InstrumentingMiddleware(docrag.NewPrometheusMetrics(reg))(svc)

	endpoints := docrag.MakeEndpoints(svc, cfg.Query)

	// Add NATS Transport
	if natsURL := cmd.String("nats"); natsURL != "" {
		topic := "docrag"
		name := "DocRAG Server"

		opts := make([]nats.Option, 0)

		idBytes, err := os.ReadFile(filepath.Join(path, "id"))
		switch {
		case err == nil:
			edgeID := strings.TrimSpace(string(idBytes))
			topic = "edges." + edgeID + ".docrag"
			name += " - " + edgeID

		case !errors.Is(err, os.ErrNotExist):
			return err
		}

		opts = append(opts, nats.Name(name))

		natsCreds := filepath.Join(path, "user.creds")
		if _, err := os.Stat(natsCreds); err == nil {
			opts = append(opts, nats.UserCredentials(natsCreds))
		}

		nc, err := nats.Connect(natsURL, opts...)
		if err != nil {
			return err
		}
		defer nc.Drain()

		srv, err := micro.AddService(nc, micro.Config{
			Name:    "docrag",
			Version: "1.0.0",
		})

		if err != nil {
			return err
		}
		defer srv.Stop()

		root := srv.AddGroup(topic)
		natsT.AddEndpoints(root, endpoints)

		log.Info("nats transport enabled", zap.String("topic", topic))
	}

	httpEnabled := cmd.Bool("http")
	if httpEnabled {
		r := gin.Default()
		httpT.AddRouters(r, endpoints)
		httpT.AddMetricsRouter(r, reg)
		httpT.AddStreamableRouters(r, mcpE.MakeEndpoints(svc, cfg.Query))

		httpAddr := cmd.String("http-addr")
		go r.Run(httpAddr)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sign := <-quit

	log.Info("graceful shutdown", zap.String("signal", sign.String()))
	return nil
}
