package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qrafzv/openlayers/api"
	"github.com/qrafzv/openlayers/config"
	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/runner"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults are used when empty)")
	addr := flag.String("addr", "", "HTTP listen address, overrides the config")
	dataDir := flag.String("data-dir", "", "snapshot directory, overrides the config")
	numFeatures := flag.Int("features", 0, "generate a new layer with this many features at startup")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Server.HTTPAddr = addr
	}
	if *dataDir != "" {
		cfg.Layers.DataDir = dataDir
	}

	// Ensure layer directory exists
	absPath, _ := filepath.Abs(cfg.GetDataDir())
	monitoring.Logf("Ensuring layer directory exists: %s", absPath)
	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		monitoring.Logf("Error creating layer directory: %v", err)
	}

	registry := runner.NewRegistry(runner.Config{
		DataDir:       cfg.GetDataDir(),
		MaxLayers:     cfg.GetMaxLayers(),
		MaxFeatures:   cfg.GetMaxFeatures(),
		IdleEviction:  cfg.GetIdleEviction(),
		CleanupPeriod: cfg.GetCleanupPeriod(),
		Options:       cfg.Options(),
	})
	defer registry.Close()

	server := api.NewServer(registry)
	if *numFeatures > 0 {
		info, err := registry.CreateLayer(context.Background(), *numFeatures)
		if err != nil {
			monitoring.Logf("Failed to create startup layer: %v", err)
		} else {
			server.SetDefaultLayer(info.ID)
		}
	} else if err := server.PickDefaultLayer(context.Background()); err != nil {
		monitoring.Logf("Failed to list layers: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.GetHTTPAddr(),
		Handler: server.Router(),
	}

	go func() {
		monitoring.Logf("Starting server on %s...", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("Server error: %v", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	monitoring.Logf("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		monitoring.Logf("Server shutdown error: %v", err)
	}
}
