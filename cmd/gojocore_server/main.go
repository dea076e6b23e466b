// Command gojocore_server opens a data directory and serves its B-tree
// indexes over a newline-delimited text protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/engine"
	internaltelemetry "github.com/sushant-115/gojocore/internal/telemetry"
	"github.com/sushant-115/gojocore/pkg/config"
	"github.com/sushant-115/gojocore/pkg/logger"
	"github.com/sushant-115/gojocore/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	dataDir := flag.String("data-dir", "", "data directory, overrides the configuration")
	listenAddr := flag.String("listen", "", "listen address, overrides the configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "gojocore_server: %v\n", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gojocore_server: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		stop()
		log.Sync() //nolint:errcheck
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("failed to shut down telemetry", zap.Error(err))
		}
	}()
	if addr := tel.MetricsAddr(); addr != "" {
		log.Info("serving metrics", zap.String("addr", addr))
	}
	metrics, err := internaltelemetry.NewEngineMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create engine metrics: %w", err)
	}

	eng, err := engine.Open(ctx, cfg, engine.Options{Logger: log, Metrics: metrics, Tracer: tel.Tracer})
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Close(sctx); err != nil {
			log.Error("failed to shut down engine", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("gojocore server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("bootstrapped", eng.Bootstrapped()))
	return NewServer(eng, log, tel.Tracer).Serve(ctx, ln)
}
