// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/chainstress/internal/node"
	"github.com/gateway-fm/chainstress/internal/ratelimit"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// Config holds harness configuration shared by the run and serve modes.
type Config struct {
	SimulationDir      string
	NodesFile          string // YAML node table, overrides the simulation directory
	HarnessFile        string // YAML harness file (nodes, thresholds, memory limit)
	RPCTimeout         time.Duration
	ListenAddr         string
	DatabasePath       string
	LogLevel           string
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
	ReportDir          string // defaults to the simulation directory
	WorkersPerNode     int    // 0 = suite default
	NoHistory          bool
	Seed               int64 // 0 = time based

	// Thresholds override per-suite maximum error rates.
	Thresholds        map[types.SuiteName]float64
	MemoryGrowthLimit int64

	// Nodes is the resolved node table.
	Nodes []node.Endpoint
}

// RunArgs are the positional arguments of `run <suite> [duration] [rate] [simulation-dir]`.
type RunArgs struct {
	Target        string
	Duration      time.Duration // 0 = suite default
	Rate          float64       // 0 = suite default
	SimulationDir string
}

// Defaults
const (
	DefaultRPCTimeout         = 10 * time.Second
	DefaultListenAddr         = ":3002"
	DefaultDatabasePath       = "./data/chainstress.db"
	DefaultLogLevel           = "info"
	DefaultCORSAllowedOrigins = "*"
	DefaultMemoryGrowthLimit  = 1_000_000
	MaxWorkersPerNode         = 64
)

// HarnessFile is the optional YAML configuration file.
//
//	nodes:
//	  - id: 1
//	    host: 127.0.0.1
//	    rpcPort: 18332
//	thresholds:
//	  extreme_load: 0.25
//	memoryGrowthLimitBytes: 2000000
type HarnessFile struct {
	Nodes                  []node.Endpoint    `yaml:"nodes"`
	Thresholds             map[string]float64 `yaml:"thresholds"`
	MemoryGrowthLimitBytes int64              `yaml:"memoryGrowthLimitBytes"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		RPCTimeout:         DefaultRPCTimeout,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		LogLevel:           DefaultLogLevel,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		MemoryGrowthLimit:  DefaultMemoryGrowthLimit,
		Thresholds:         make(map[types.SuiteName]float64),
	}
}

// Load builds the configuration from defaults, the harness file, environment
// variables and the flags in args, in that order. It returns the remaining
// positional arguments.
func Load(args []string) (*Config, []string, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (*Config, []string, error) {
	cfg := Default()

	fs := flag.NewFlagSet("chainstress", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		simDir      = fs.String("simdir", "", "Simulation directory (node configs and report output)")
		nodesFile   = fs.String("nodes", "", "YAML node table")
		harnessFile = fs.String("config", "", "YAML harness file")
		rpcTimeout  = fs.Duration("rpc-timeout", 0, "Per-call RPC timeout")
		listenAddr  = fs.String("listen", "", "HTTP listen address (serve mode)")
		dbPath      = fs.String("database", "", "SQLite database path")
		logLevel    = fs.String("log-level", "", "Log level: debug, info, warn, error")
		workers     = fs.Int("workers", 0, "Override workers per node")
		noHistory   = fs.Bool("no-history", false, "Do not persist the run")
		seed        = fs.Int64("seed", 0, "Random seed (0 = time based)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, nil, Invalid("flags", err)
	}

	// The harness file location may come from the environment or a flag,
	// and must be read before anything it can be overridden by.
	cfg.HarnessFile = firstNonEmpty(*harnessFile, getenv("HARNESS_CONFIG"))
	if cfg.HarnessFile != "" {
		if err := cfg.applyHarnessFile(cfg.HarnessFile); err != nil {
			return nil, nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, nil, err
	}

	if *simDir != "" {
		cfg.SimulationDir = *simDir
	}
	if *nodesFile != "" {
		cfg.NodesFile = *nodesFile
	}
	if *rpcTimeout != 0 {
		cfg.RPCTimeout = *rpcTimeout
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *workers != 0 {
		cfg.WorkersPerNode = *workers
	}
	cfg.NoHistory = *noHistory
	cfg.Seed = *seed

	return cfg, fs.Args(), nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("SIMULATION_DIR"); v != "" {
		c.SimulationDir = v
	}
	if v := getenv("NODES_FILE"); v != "" {
		c.NodesFile = v
	}
	if v := getenv("RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Invalid("RPC_TIMEOUT", err)
		}
		c.RPCTimeout = d
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = v
	}
	if v := getenv("REPORT_DIR"); v != "" {
		c.ReportDir = v
	}
	return nil
}

func (c *Config) applyHarnessFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return Invalid("config", err)
	}
	var hf HarnessFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return Invalidf("config", "failed to parse %s: %w", path, err)
	}
	if len(hf.Nodes) > 0 {
		c.Nodes = hf.Nodes
	}
	for name, rate := range hf.Thresholds {
		c.Thresholds[types.SuiteName(name)] = rate
	}
	if hf.MemoryGrowthLimitBytes != 0 {
		c.MemoryGrowthLimit = hf.MemoryGrowthLimitBytes
	}
	return nil
}

// ResolveNodes fills c.Nodes. A nodes file wins over the harness file, which
// wins over the simulation directory. With none of them the default table is used.
func (c *Config) ResolveNodes() error {
	switch {
	case c.NodesFile != "":
		eps, err := node.LoadFile(c.NodesFile)
		if err != nil {
			return Invalid("nodes", err)
		}
		c.Nodes = eps
	case len(c.Nodes) > 0:
		// from the harness file
	case c.SimulationDir != "":
		eps, err := node.LoadSimulationDir(c.SimulationDir)
		if err != nil {
			return Invalid("simdir", err)
		}
		c.Nodes = eps
	default:
		c.Nodes = node.DefaultEndpoints()
	}
	return nil
}

// Registry validates the resolved node table and returns it as a registry.
func (c *Config) Registry() (*node.Registry, error) {
	reg, err := node.NewRegistry(c.Nodes...)
	if err != nil {
		return nil, Invalid("nodes", err)
	}
	return reg, nil
}

// ReportDirectory returns where report files are written.
func (c *Config) ReportDirectory() string {
	return firstNonEmpty(c.ReportDir, c.SimulationDir, ".")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return Invalid("nodes", errors.New("at least one node is required"))
	}
	seen := make(map[int]bool, len(c.Nodes))
	for _, ep := range c.Nodes {
		if ep.ID < 1 {
			return Invalidf("nodes", "node id must be >= 1, got %d", ep.ID)
		}
		if seen[ep.ID] {
			return Invalidf("nodes", "duplicate node id %d", ep.ID)
		}
		seen[ep.ID] = true
	}
	if c.RPCTimeout <= 0 {
		return Invalidf("rpc-timeout", "must be positive, got %s", c.RPCTimeout)
	}
	if c.WorkersPerNode < 0 || c.WorkersPerNode > MaxWorkersPerNode {
		return Invalidf("workers", "must be between 0 and %d", MaxWorkersPerNode)
	}
	for name, rate := range c.Thresholds {
		if rate <= 0 || rate > 1 {
			return Invalidf("thresholds."+string(name), "must be in (0, 1], got %v", rate)
		}
	}
	if c.MemoryGrowthLimit <= 0 {
		return Invalidf("memoryGrowthLimitBytes", "must be positive, got %d", c.MemoryGrowthLimit)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return Invalid("log-level", err)
	}
	return nil
}

// AllowedOrigins splits CORSAllowedOrigins into a list.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ParseRunArgs parses `<suite> [duration] [rate] [simulation-dir]`.
// Duration is in whole seconds and rate in operations per second per worker.
func ParseRunArgs(args []string) (RunArgs, error) {
	var ra RunArgs
	if len(args) == 0 {
		return ra, Invalid("suite", errors.New("suite name is required"))
	}
	if len(args) > 4 {
		return ra, Invalidf("args", "too many arguments: %v", args[4:])
	}
	ra.Target = args[0]

	if len(args) > 1 {
		secs, err := strconv.Atoi(args[1])
		if err != nil || secs <= 0 {
			return ra, Invalidf("duration", "must be a positive number of seconds, got %q", args[1])
		}
		ra.Duration = time.Duration(secs) * time.Second
	}
	if len(args) > 2 {
		rate, err := strconv.ParseFloat(args[2], 64)
		if err != nil || !ratelimit.ValidRate(rate) {
			return ra, Invalidf("rate", "must be a positive finite number, got %q", args[2])
		}
		ra.Rate = rate
	}
	if len(args) > 3 {
		ra.SimulationDir = args[3]
	}
	return ra, nil
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
