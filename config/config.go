// Package config loads service settings and clustering options from YAML.
//
// Every field is a pointer so that a partial file only overrides what it
// names; the Get* methods supply defaults for the rest.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qrafzv/openlayers/cluster"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024 // 1MB

const (
	defaultMaxMessageSize = 64 << 20
	defaultMaxFeatures    = 1_000_000
)

// Config is the root of the YAML document.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Server  ServerConfig  `yaml:"server"`
	Layers  LayersConfig  `yaml:"layers"`
}

// ClusterConfig mirrors cluster.Options.
type ClusterConfig struct {
	Distance                 *float64 `yaml:"distance,omitempty"`
	MinimumPolygonPixelSize  *float64 `yaml:"minimum_polygon_pixel_size,omitempty"`
	MinimumLinePixelSize     *float64 `yaml:"minimum_line_pixel_size,omitempty"`
	DisableDynamicClustering *bool    `yaml:"disable_dynamic_clustering,omitempty"`
	ClusterPointsOnly        *bool    `yaml:"cluster_points_only,omitempty"`
	Threshold                *int     `yaml:"threshold,omitempty"`
	ClusterPrefix            *string  `yaml:"cluster_prefix,omitempty"`
	NeighborPolicy           *string  `yaml:"neighbor_policy,omitempty"` // "seed" or "candidate"
}

type ServerConfig struct {
	HTTPAddr       *string `yaml:"http_addr,omitempty"`
	GRPCPort       *int    `yaml:"grpc_port,omitempty"`
	RunnerAddr     *string `yaml:"runner_addr,omitempty"`      // used by the API gateway
	MaxMessageSize *int    `yaml:"max_message_size,omitempty"` // bytes, both gRPC ends
}

type LayersConfig struct {
	DataDir       *string `yaml:"data_dir,omitempty"`
	MaxLayers     *int    `yaml:"max_layers,omitempty"`
	MaxFeatures   *int    `yaml:"max_features,omitempty"`
	IdleEviction  *string `yaml:"idle_eviction,omitempty"`  // duration string like "30m"
	CleanupPeriod *string `yaml:"cleanup_period,omitempty"` // duration string like "5m"
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Distance:                 ptrFloat64(cluster.DefaultDistance),
			MinimumPolygonPixelSize:  ptrFloat64(cluster.DefaultDistance),
			MinimumLinePixelSize:     ptrFloat64(cluster.DefaultDistance),
			DisableDynamicClustering: ptrBool(false),
			ClusterPointsOnly:        ptrBool(false),
			Threshold:                ptrInt(0),
			ClusterPrefix:            ptrString(cluster.DefaultClusterPrefix),
			NeighborPolicy:           ptrString(cluster.SeedEligibility.String()),
		},
		Server: ServerConfig{
			HTTPAddr:       ptrString(":8000"),
			GRPCPort:       ptrInt(50051),
			RunnerAddr:     ptrString("localhost:50051"),
			MaxMessageSize: ptrInt(defaultMaxMessageSize),
		},
		Layers: LayersConfig{
			DataDir:       ptrString("data/layers"),
			MaxLayers:     ptrInt(5),
			MaxFeatures:   ptrInt(defaultMaxFeatures),
			IdleEviction:  ptrString("30m"),
			CleanupPeriod: ptrString("5m"),
		},
	}
}

// Load reads a YAML config file. Fields the file omits keep their
// defaults through the Get* methods, and unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and formats of the fields that are set.
func (c *Config) Validate() error {
	cc := c.Cluster
	for name, v := range map[string]*float64{
		"distance":                   cc.Distance,
		"minimum_polygon_pixel_size": cc.MinimumPolygonPixelSize,
		"minimum_line_pixel_size":    cc.MinimumLinePixelSize,
	} {
		if v != nil && (!(*v >= 0) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s must be a non-negative number, got %v", ErrInvalidConfig, name, *v)
		}
	}
	if cc.Threshold != nil && *cc.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative, got %d", ErrInvalidConfig, *cc.Threshold)
	}
	if cc.NeighborPolicy != nil {
		if _, err := cluster.ParseNeighborPolicy(*cc.NeighborPolicy); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	if p := c.Server.GRPCPort; p != nil && (*p < 0 || *p > 65535) {
		return fmt.Errorf("%w: grpc_port out of range: %d", ErrInvalidConfig, *p)
	}

	if m := c.Server.MaxMessageSize; m != nil && *m < 1 {
		return fmt.Errorf("%w: max_message_size must be positive, got %d", ErrInvalidConfig, *m)
	}

	if m := c.Layers.MaxLayers; m != nil && *m < 1 {
		return fmt.Errorf("%w: max_layers must be at least 1, got %d", ErrInvalidConfig, *m)
	}
	if m := c.Layers.MaxFeatures; m != nil && *m < 1 {
		return fmt.Errorf("%w: max_features must be at least 1, got %d", ErrInvalidConfig, *m)
	}
	for name, v := range map[string]*string{
		"idle_eviction":  c.Layers.IdleEviction,
		"cleanup_period": c.Layers.CleanupPeriod,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%w: invalid %s '%s': %v", ErrInvalidConfig, name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}

	return nil
}

// Options builds engine options. Unset size thresholds are left zero so
// the engine derives them from Distance.
func (c *Config) Options() cluster.Options {
	cc := c.Cluster
	o := cluster.Options{
		Distance:      c.GetDistance(),
		ClusterPrefix: c.GetClusterPrefix(),
	}
	if cc.MinimumPolygonPixelSize != nil {
		o.MinimumPolygonPixelSize = *cc.MinimumPolygonPixelSize
	}
	if cc.MinimumLinePixelSize != nil {
		o.MinimumLinePixelSize = *cc.MinimumLinePixelSize
	}
	if cc.DisableDynamicClustering != nil {
		o.DisableDynamicClustering = *cc.DisableDynamicClustering
	}
	if cc.ClusterPointsOnly != nil {
		o.ClusterPointsOnly = *cc.ClusterPointsOnly
	}
	if cc.Threshold != nil {
		o.Threshold = *cc.Threshold
	}
	if cc.NeighborPolicy != nil {
		// Validate has already rejected unknown names.
		o.NeighborPolicy, _ = cluster.ParseNeighborPolicy(*cc.NeighborPolicy)
	}
	return o
}

// GetDistance returns the distance value or the default.
func (c *Config) GetDistance() float64 {
	if c.Cluster.Distance == nil {
		return cluster.DefaultDistance
	}
	return *c.Cluster.Distance
}

func (c *Config) GetClusterPrefix() string {
	if c.Cluster.ClusterPrefix == nil {
		return cluster.DefaultClusterPrefix
	}
	return *c.Cluster.ClusterPrefix
}

func (c *Config) GetHTTPAddr() string {
	if c.Server.HTTPAddr == nil || *c.Server.HTTPAddr == "" {
		return ":8000"
	}
	return *c.Server.HTTPAddr
}

func (c *Config) GetGRPCPort() int {
	if c.Server.GRPCPort == nil {
		return 50051
	}
	return *c.Server.GRPCPort
}

func (c *Config) GetRunnerAddr() string {
	if c.Server.RunnerAddr == nil || *c.Server.RunnerAddr == "" {
		return "localhost:50051"
	}
	return *c.Server.RunnerAddr
}

// GetMaxMessageSize returns the gRPC message size limit in bytes.
func (c *Config) GetMaxMessageSize() int {
	if c.Server.MaxMessageSize == nil {
		return defaultMaxMessageSize
	}
	return *c.Server.MaxMessageSize
}

func (c *Config) GetDataDir() string {
	if c.Layers.DataDir == nil || *c.Layers.DataDir == "" {
		return "data/layers"
	}
	return *c.Layers.DataDir
}

func (c *Config) GetMaxLayers() int {
	if c.Layers.MaxLayers == nil {
		return 5
	}
	return *c.Layers.MaxLayers
}

// GetMaxFeatures returns the largest layer CreateLayer accepts.
func (c *Config) GetMaxFeatures() int {
	if c.Layers.MaxFeatures == nil {
		return defaultMaxFeatures
	}
	return *c.Layers.MaxFeatures
}

// GetIdleEviction returns how long an unused layer stays in memory.
func (c *Config) GetIdleEviction() time.Duration {
	return parseDurationOr(c.Layers.IdleEviction, 30*time.Minute)
}

// GetCleanupPeriod returns how often idle layers are looked for.
func (c *Config) GetCleanupPeriod() time.Duration {
	return parseDurationOr(c.Layers.CleanupPeriod, 5*time.Minute)
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
