package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/armon/go-metrics"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/handlers/staticfile"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/router"
	"example.com/h2mux/internal/server"
)

func main() {
	configFilePath := flag.String("config", "", "Path to the configuration file (JSON or TOML). Defaults are used when empty.")
	flag.Parse()

	if err := run(*configFilePath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFilePath string) error {
	cfg := config.Default()
	if configFilePath != "" {
		absConfigPath, err := filepath.Abs(configFilePath)
		if err != nil {
			return fmt.Errorf("resolving config path %s: %w", configFilePath, err)
		}
		cfg, err = config.LoadConfig(absConfigPath)
		if err != nil {
			return fmt.Errorf("loading configuration from %s: %w", absConfigPath, err)
		}
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	// In-memory metrics; SIGUSR1 dumps them to stderr.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	metricsConf := metrics.DefaultConfig("")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	registry := router.NewHandlerRegistry()
	if err := router.RegisterBuiltins(registry); err != nil {
		return err
	}
	appRouter := router.NewRouter(appLogger)
	if err := appRouter.LoadRoutes(cfg.Routing.Routes, registry); err != nil {
		return err
	}
	appLogger.Info("Router initialized", logger.LogFields{"routes": len(cfg.Routing.Routes)})

	files, err := staticfile.New(*cfg.Server.DocumentRoot, *cfg.Server.IndexFile, cfg.Server.MimeTypes, appLogger,
		staticfile.WithDirectoryListing(*cfg.Server.DirectoryListing))
	if err != nil {
		return err
	}
	appLogger.Info("Serving static files", logger.LogFields{"document_root": files.Root()})

	srv, err := server.NewServer(cfg, appLogger, appRouter, files)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting HTTP/2 server", logger.LogFields{"address": *cfg.Server.Address})
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	appLogger.Info("Server has shut down gracefully")
	return nil
}
