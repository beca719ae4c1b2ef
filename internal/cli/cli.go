// ============================================================================
// railsim CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the simulator
//
// Command Structure:
//   railsim                        # Root command
//   ├── run                        # Start the simulation loop and servers
//   │   └── --scenario, -s        # Scenario file (default: built-in demo)
//   ├── simulate                   # Run ticks offline and print the result
//   ├── plan                       # Print a rolling-horizon plan for a scenario
//   ├── validate                   # Check config and scenario files
//   ├── status                     # Fetch state from a running engine (gRPC)
//   ├── command                    # Send one command to a running engine (gRPC)
//   ├── scenario init              # Write the demo scenario to a file
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// run Command:
//   1. Load config and scenario
//   2. Build logger and Prometheus collector
//   3. Seed and start the engine
//   4. Serve HTTP/WebSocket, gRPC and metrics (each if enabled)
//   5. On SIGINT/SIGTERM stop the engine, then drain the servers
//
//   Examples:
//     ./railsim run
//     ./railsim run -c configs/default.yaml -s corridor.yaml
//
// A missing config file at the default path is not an error; the built-in
// defaults are used. A path given explicitly must exist.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/railsim/internal/config"
	"github.com/ChuLiYu/railsim/internal/engine"
	"github.com/ChuLiYu/railsim/internal/httpapi"
	"github.com/ChuLiYu/railsim/internal/metrics"
	"github.com/ChuLiYu/railsim/internal/scenario"
	"github.com/ChuLiYu/railsim/internal/server"
)

const (
	defaultConfigPath = "configs/default.yaml"
	shutdownTimeout   = 5 * time.Second
)

var (
	configFile   string
	scenarioFile string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "railsim",
		Short: "railsim: a multi-train railway precedence simulator",
		Long: `railsim moves trains over a track network in fixed ticks and decides,
every tick, which train may enter each contested segment:
- immediate or rolling-horizon precedence
- commands for delays, holds, reroutes and breakdowns
- HTTP/WebSocket and gRPC interfaces
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVarP(&scenarioFile, "scenario", "s", "", "scenario file (overrides scenario.path; empty uses the demo)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCommandCommand())
	rootCmd.AddCommand(buildScenarioCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the simulation loop and its servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Optimizer.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			sc, err := loadScenario(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, sc, log)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "precedence mode override: immediate, rolling_horizon")
	return cmd
}

// runSystem serves e until ctx is cancelled or a server fails.
func runSystem(ctx context.Context, cfg *config.Config, sc *scenario.Scenario, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	e, err := newEngine(ctx, cfg, sc, log, metrics.NewCollector(reg))
	if err != nil {
		return err
	}
	defer e.Stop()

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	var httpServers []*http.Server

	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(e, log))
		httpServers = append(httpServers, srv)
		g.Go(func() error {
			log.Info("HTTP API listening", "addr", srv.Addr)
			return serveHTTP(srv)
		})
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		httpServers = append(httpServers, srv)
		g.Go(func() error {
			log.Info("Metrics server listening", "addr", srv.Addr)
			return serveHTTP(srv)
		})
	}

	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer = grpc.NewServer()
		server.Register(grpcServer, server.NewServer(e, log))
		g.Go(func() error {
			log.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, stopping gracefully")

		// Stopping the engine closes every subscription, which ends the
		// WebSocket and gRPC streams the servers would otherwise wait on.
		e.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range httpServers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("Server shutdown incomplete", "addr", srv.Addr, "error", err)
			}
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	log.Info("System started successfully", "scenario", sc.Name, "trains", len(sc.Trains))
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("System stopped")
	return nil
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s: %w", srv.Addr, err)
	}
	return nil
}

// newEngine builds the network from sc and seeds an engine with its trains.
func newEngine(ctx context.Context, cfg *config.Config, sc *scenario.Scenario, log *slog.Logger, rec engine.Recorder) (*engine.Engine, error) {
	tracks, err := sc.Build()
	if err != nil {
		return nil, err
	}
	ecfg := cfg.Engine()
	ecfg.Logger = log
	ecfg.Metrics = rec

	e, err := engine.New(ecfg, tracks)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := e.Seed(ctx, sc.Trains); err != nil {
		e.Stop()
		return nil, fmt.Errorf("failed to seed trains: %w", err)
	}
	return e, nil
}

// loadConfig reads path. The default path may be absent.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadScenario resolves the scenario flag, then scenario.path, then the demo.
func loadScenario(cfg *config.Config) (*scenario.Scenario, error) {
	path := scenarioFile
	if path == "" {
		path = cfg.Scenario.Path
	}
	if path == "" {
		return scenario.Demo(), nil
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario: %w", err)
	}
	return sc, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
