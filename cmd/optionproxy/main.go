// Command optionproxy launches the per-client WebSocket fan-out proxy.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/internal/assets"
	"github.com/optionproxy/optionproxy/internal/server"
	"github.com/optionproxy/optionproxy/lib/telemetry"
)

const (
	defaultConfigPath        = "config/proxy.yaml"
	proxyLoggerPrefix        = "optionproxy "
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the proxy configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, proxyLoggerPrefix, log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, loadedFromFile, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: listen=%s upstream=%s assets=%d",
		cfg.ListenAddr, cfg.Upstream.URL, len(cfg.Assets))

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	registry := assets.NewRegistry(cfg.Assets)
	srv := server.New(cfg, registry, nil, logger)

	logger.Printf("accepting downstream connections on %s", cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("server: %v", err)
	}
	logger.Printf("shutdown complete")
}
