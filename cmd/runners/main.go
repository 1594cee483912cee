package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"github.com/qrafzv/openlayers/config"
	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/runner"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "YAML config file (defaults are used when empty)")
	port := flag.Int("port", 0, "The gRPC server port, overrides the config")
	maxLayers := flag.Int("max-layers", 0, "Maximum number of layers to keep in memory, overrides the config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *port > 0 {
		cfg.Server.GRPCPort = port
	}
	if *maxLayers > 0 {
		cfg.Layers.MaxLayers = maxLayers
	}

	// Create listener
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GetGRPCPort()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen: %v\n", err)
		os.Exit(1)
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

	s := grpc.NewServer(runner.ServerOptions(cfg.GetMaxMessageSize())...)
	healthServer := runner.Register(s, registry)

	// Handle shutdown gracefully
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		monitoring.Logf("Shutting down gRPC server...")
		healthServer.Shutdown()
		s.GracefulStop()
	}()

	monitoring.Logf("Starting gRPC server on port %d...", cfg.GetGRPCPort())
	if err := s.Serve(lis); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to serve: %v\n", err)
		os.Exit(1)
	}
}
