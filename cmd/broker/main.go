package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker"
	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/runner"
	"github.com/relaylabs/mcp-broker/internal/broker/sessionbus"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
	"github.com/relaylabs/mcp-broker/internal/broker/storage/memory"
	"github.com/relaylabs/mcp-broker/internal/broker/storage/sqlite"
	"github.com/relaylabs/mcp-broker/internal/broker/wakebus"
)

const (
	defaultHTTPPort   = "8080"
	defaultSQLitePath = "broker.db"
)

var (
	version = flag.Bool("version", false, "Print version and exit")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("MCP Broker v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	httpPort := getEnv("HTTP_PORT", defaultHTTPPort)
	backend := getEnv("STORE_BACKEND", "memory")

	logger.Info("Starting MCP Broker",
		"version", "0.1.0",
		"debug", *debug,
		"http_port", httpPort,
		"store_backend", backend,
	)

	var store storage.Store
	switch backend {
	case "memory":
		store = memory.NewStore()
	case "sqlite":
		path := getEnv("SQLITE_PATH", defaultSQLitePath)
		db, err := sqlite.Open(path)
		if err != nil {
			log.Fatalf("Failed to open sqlite store at %s: %v", path, err)
		}
		defer db.Close()
		store = sqlite.NewStore(db)
		logger.Info("Opened sqlite store", "path", path)
	default:
		log.Fatalf("Unknown STORE_BACKEND %q (want memory or sqlite)", backend)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := wakebus.NewInProcess()
	locker := sessionbus.NewKeyedMutex()
	reporter := &broker.LogReporter{Logger: logger}

	adapters := runner.NewRegistry()
	adapterSweeper := runner.NewSweeper(adapters, config.DefaultSweepConfig(), logger)
	adapterSweeper.Start()

	managers := broker.NewManagerRegistry()
	expirySweeper := broker.NewExpirySweeper(managers, logger)
	expirySweeper.Start()

	brokerManager := runner.NewBrokerManager(adapters, logger)

	dispatch := broker.NewRunDispatch(broker.RunDispatchDeps{
		Store:         store,
		PubSub:        pubsub,
		Locker:        locker,
		Secrets:       broker.EnvSecrets{Prefix: "MCP_VARIANT_HEADERS_"},
		Adapters:      adapters,
		Managers:      managers,
		BrokerManager: brokerManager,
		Reporter:      reporter,
		Logger:        logger,
		Config:        config.DefaultDispatchConfig(),
		RunConfig:     config.DefaultRunConfig(),
	})

	mux := http.NewServeMux()
	mux.Handle("/runners/connect", broker.NewRunnerGateway(brokerManager, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Listening for runner connections", "port", httpPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	for _, m := range managers.Snapshot() {
		m.Close(shutdownCtx)
	}
	dispatch.Stop()
	brokerManager.StopAll()
	expirySweeper.Stop()
	adapterSweeper.Stop()

	logger.Info("Broker shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
