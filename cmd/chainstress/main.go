// Command chainstress runs load, stress and functional suites against a
// multi-node JSON-RPC blockchain.
//
//	chainstress run [flags] <suite|group|all> [duration] [rate] [simulation-dir]
//	chainstress serve [flags]
//	chainstress suites [flags]
//
// run exits 0 when every suite passed, 1 otherwise and 2 on a configuration error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/chainstress/internal/config"
	"github.com/gateway-fm/chainstress/internal/harness"
	"github.com/gateway-fm/chainstress/internal/metrics"
	"github.com/gateway-fm/chainstress/internal/report"
	"github.com/gateway-fm/chainstress/internal/rpc"
	"github.com/gateway-fm/chainstress/internal/storage"
	"github.com/gateway-fm/chainstress/internal/suite"
	"github.com/gateway-fm/chainstress/internal/transport"
	"github.com/gateway-fm/chainstress/pkg/types"
)

const (
	exitPass   = 0
	exitFail   = 1
	exitConfig = 2

	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitConfig
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		return runSuites(rest, stdout, stderr)
	case "serve":
		return serve(rest, stderr)
	case "suites":
		return listSuites(rest, stdout, stderr)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return exitPass
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return exitConfig
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  chainstress run [flags] <suite|group|all> [duration-sec] [rate] [simulation-dir]
  chainstress serve [flags]
  chainstress suites [flags]

Flags:
  -simdir DIR        simulation directory (node configs, report output)
  -nodes FILE        YAML node table
  -config FILE       YAML harness file (nodes, thresholds, memory limit)
  -rpc-timeout DUR   per-call RPC timeout (default 10s)
  -listen ADDR       HTTP listen address for serve (default :3002)
  -database PATH     SQLite run history (default ./data/chainstress.db)
  -log-level LEVEL   debug, info, warn or error
  -workers N         override workers per node
  -no-history        do not store the run (run mode)
  -seed N            fixed random seed
`)
}

// app is the wired harness with everything it owns.
type app struct {
	logger  *slog.Logger
	harness *harness.Harness
	store   storage.Storage
}

func (a *app) Close() {
	a.harness.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close storage", "error", err)
		}
	}
}

// loadConfig loads flags and the environment, resolves the node table and
// validates. simDir, when set, overrides the configured simulation directory.
func loadConfig(cfg *config.Config, simDir string) error {
	if simDir != "" {
		cfg.SimulationDir = simDir
	}
	if err := cfg.ResolveNodes(); err != nil {
		return err
	}
	return cfg.Validate()
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated already
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, withHistory bool, reportDir string) (*app, error) {
	nodes, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	for _, ep := range nodes.Endpoints() {
		logger.Debug("node", "id", ep.ID, "url", ep.URL(), "auth", ep.HasAuth())
	}

	prom := metrics.NewPrometheusMetrics(reg)
	adapter, err := rpc.NewHTTPAdapter(rpc.ClientConfig{
		Registry: nodes,
		Timeout:  cfg.RPCTimeout,
		Logger:   logger,
		Observer: prom,
	})
	if err != nil {
		return nil, err
	}

	var store storage.Storage
	if withHistory {
		sqlite, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		logger.Info("initialized storage", "path", cfg.DatabasePath)
		store = sqlite
	}

	h, err := harness.New(harness.Config{
		Caller: adapter,
		Nodes:  nodes.IDs(),
		Catalog: suite.DefaultCatalog(suite.Options{
			Thresholds:        cfg.Thresholds,
			MemoryGrowthLimit: cfg.MemoryGrowthLimit,
		}),
		Storage:        store,
		Metrics:        prom,
		ReportDir:      reportDir,
		WorkersPerNode: cfg.WorkersPerNode,
		Logger:         logger,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	logger.Info("harness ready", "nodes", nodes.Len(), "rpcTimeout", cfg.RPCTimeout, "history", withHistory)
	return &app{logger: logger, harness: h, store: store}, nil
}

func configError(w io.Writer, err error) int {
	fmt.Fprintf(w, "chainstress: %v\n", err)
	return exitConfig
}

func runSuites(args []string, stdout, stderr io.Writer) int {
	cfg, pos, err := config.Load(args)
	if err != nil {
		return configError(stderr, err)
	}
	ra, err := config.ParseRunArgs(pos)
	if err != nil {
		return configError(stderr, err)
	}
	if err := loadConfig(cfg, ra.SimulationDir); err != nil {
		return configError(stderr, err)
	}

	logger := newLogger(cfg, stderr)
	// Nothing scrapes in run mode; a private registry keeps the series per invocation.
	a, err := newApp(cfg, logger, prometheus.NewRegistry(), !cfg.NoHistory, cfg.ReportDirectory())
	if err != nil {
		if config.IsConfigurationError(err) {
			return configError(stderr, err)
		}
		logger.Error("failed to start", "error", err)
		return exitFail
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := a.harness.RunSuites(ctx, types.RunRequest{
		Target:         ra.Target,
		DurationSec:    int(ra.Duration / time.Second),
		Rate:           ra.Rate,
		WorkersPerNode: cfg.WorkersPerNode,
		Seed:           cfg.Seed,
	})
	if err != nil {
		if config.IsConfigurationError(err) {
			return configError(stderr, err)
		}
		logger.Error("run failed", "error", err)
		return exitFail
	}

	fmt.Fprint(stdout, report.Render(*rep))
	if !rep.Passed {
		return exitFail
	}
	return exitPass
}

func serve(args []string, stderr io.Writer) int {
	cfg, pos, err := config.Load(args)
	if err != nil {
		return configError(stderr, err)
	}
	if len(pos) > 0 {
		return configError(stderr, fmt.Errorf("serve takes no arguments, got %v", pos))
	}
	if err := loadConfig(cfg, ""); err != nil {
		return configError(stderr, err)
	}

	logger := newLogger(cfg, stderr)
	// Reports are only written to disk when a directory was configured.
	reportDir := cfg.ReportDir
	if reportDir == "" {
		reportDir = cfg.SimulationDir
	}
	a, err := newApp(cfg, logger, prometheus.DefaultRegisterer, true, reportDir)
	if err != nil {
		if config.IsConfigurationError(err) {
			return configError(stderr, err)
		}
		logger.Error("failed to start", "error", err)
		return exitFail
	}
	defer a.Close()

	api := transport.NewServer(a.harness, a.harness, logger, cfg.CORSAllowedOrigins)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		_ = a.harness.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}()

	logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
		return exitFail
	}
	return exitPass
}

func listSuites(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := config.Load(args)
	if err != nil {
		return configError(stderr, err)
	}
	catalog := suite.DefaultCatalog(suite.Options{
		Thresholds:        cfg.Thresholds,
		MemoryGrowthLimit: cfg.MemoryGrowthLimit,
	})

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUITE\tGROUP\tWORKERS/NODE\tDURATION\tRATE\tMAX ERROR RATE\tDESCRIPTION")
	for _, s := range catalog.Infos() {
		if s.Group == types.GroupFunctional {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t%s\n", s.Name, s.Group, s.Description)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%ds\t%g\t%.2f\t%s\n",
			s.Name, s.Group, s.WorkersPerNode, s.DurationSec, s.Rate, s.MaxErrorRate, s.Description)
	}
	tw.Flush()
	return exitPass
}
