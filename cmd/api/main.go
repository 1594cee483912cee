package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/qrafzv/openlayers/api"
	"github.com/qrafzv/openlayers/config"
	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/runner"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults are used when empty)")
	addr := flag.String("addr", "", "HTTP listen address, overrides the config")
	runnerAddr := flag.String("runner", "", "layer runner gRPC address, overrides the config")
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
	if *runnerAddr != "" {
		cfg.Server.RunnerAddr = runnerAddr
	}

	// Connect to layer runner
	dialOpts := append(runner.DialOptions(cfg.GetMaxMessageSize()), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(cfg.GetRunnerAddr(), dialOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to layer runner: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	server := api.NewServer(runner.NewClient(conn))

	// Use the most recent layer as default, if any
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.PickDefaultLayer(ctx); err != nil {
		monitoring.Logf("Failed to list layers: %v", err)
	}
	cancel()

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("Server shutdown error: %v", err)
	}
}
