// ============================================================================
// IoT Deployer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the deployer
//
// Command Structure:
//   iot-deployer                   # Root command
//   ├── run                        # Start the deployer
//   ├── status                     # Config summary + live controller status
//   ├── jobs --status --user       # List jobs from a running deployer
//   ├── devices                    # Device watermarks from a running deployer
//   ├── wal dump|stats|validate    # Offline journal inspection (file backend)
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config, install the slog handler
//   2. Open the store (file or sqlite), payload store (file or s3), log store
//   3. Build metrics registry, optional Redis recovery claimer
//   4. Start the HTTP API and gRPC health (NOT_SERVING)
//   5. Start the controller (recovery runs here), flip health to SERVING
//   6. Wait for SIGINT/SIGTERM, then shut down in reverse order
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
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	"github.com/ChuLiYu/iot-deployer/internal/metrics"
	"github.com/ChuLiYu/iot-deployer/internal/payload"
	"github.com/ChuLiYu/iot-deployer/internal/recovery"
	"github.com/ChuLiYu/iot-deployer/internal/server"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/internal/storage/filestore"
	"github.com/ChuLiYu/iot-deployer/internal/storage/sqlstore"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "iot-deployer",
		Short: "IoT Deployer: schedules firmware deployments onto shared devices",
		Long: `IoT Deployer books deployment jobs on per-device timelines, delivers
each payload to the device agent at its start time, and collects the log
bundle the agent returns. Scheduled jobs survive restarts.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildDevicesCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the deployer",
		Long:  "Start the HTTP API, recover scheduled jobs and dispatch them at their start times",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

// ============================================================================
// run wiring
// ============================================================================

// backends are the resources the controller runs on. Closed in reverse.
type backends struct {
	store    storage.Store
	payloads payload.Store
	logs     *completion.LogStore
	redis    redis.UniversalClient
}

func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlstore.Open(ctx, cfg.Storage.SQLitePath)
	default:
		return filestore.Open(filestore.Config{
			Dir:             cfg.Storage.Dir,
			WAL:             cfg.walOptions(),
			SnapshotBackups: cfg.Storage.SnapshotBackups,
		})
	}
}

func openPayloads(ctx context.Context, cfg *Config) (payload.Store, error) {
	if cfg.Payload.Backend == "s3" {
		return payload.NewS3Store(ctx, cfg.Payload.S3)
	}
	return payload.NewFileStore(cfg.Payload.Dir)
}

func openBackends(ctx context.Context, cfg *Config) (*backends, error) {
	b := &backends{}
	var err error

	if b.store, err = openStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	if b.payloads, err = openPayloads(ctx, cfg); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open %s payload store: %w", cfg.Payload.Backend, err)
	}
	if b.logs, err = completion.NewLogStore(cfg.Logs.Dir); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}

	if r := cfg.Recovery.Redis; len(r.Addrs) > 0 {
		b.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    r.Addrs,
			Password: r.Password,
			DB:       r.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to reach redis %v: %w", r.Addrs, err)
		}
	}
	return b, nil
}

func runSystem(ctx context.Context, cfg *Config) error {
	slog.Info("Starting IoT Deployer",
		"config", configFile,
		"storage", cfg.Storage.Backend,
		"payloads", cfg.Payload.Backend,
		"workers", cfg.Worker.WorkerCount,
		"jobid", cfg.JobID.Scheme)

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("Failed to close backends", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	opts := []controller.Option{controller.WithMetrics(collector)}
	if b.redis != nil {
		claimer := recovery.NewRedisClaimer(b.redis, cfg.Recovery.Redis.ClaimTTL)
		opts = append(opts, controller.WithClaimer(claimer))
		slog.Info("Recovery claims in Redis", "owner", claimer.Owner())
	}
	ctrl := controller.New(cfg.controllerConfig(), b.store, b.payloads, b.logs, opts...)

	var srvOpts []server.Option
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		srvOpts = append(srvOpts, server.WithGatherer(reg))
	}
	api := server.New(cfg.Server, ctrl, srvOpts...)
	if err := api.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		metricsSrv = startMetricsServer(cfg.Metrics.Port, reg)
	}

	var health *server.HealthServer
	if cfg.Health.Enabled {
		health = server.NewHealthServer()
		if err := health.Start(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Health.GRPCPort))); err != nil {
			api.Shutdown(context.Background())
			return err
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop()
		api.Shutdown(context.Background())
		if health != nil {
			health.Stop()
		}
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if health != nil {
		health.SetServing(true)
	}
	slog.Info("System started successfully", "api", api.Addr().String())

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")

	if health != nil {
		health.Stop()
	}
	if err := api.Shutdown(context.Background()); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	ctrl.Stop()

	slog.Info("System stopped. Goodbye!")
	return nil
}

func startMetricsServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	return srv
}

// ============================================================================
// Inspection commands
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deployer status",
		Long:  "Print the effective configuration and, if the deployer is reachable, its live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, newAPIClient(apiAddr(addr, cfg)))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "deployer base URL (default from server.port)")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *Config, api *apiClient) error {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config file:     %s\n", configFile)
	fmt.Fprintf(w, "  API:             %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Workers:         %d (queue %d)\n", cfg.Worker.WorkerCount, cfg.Worker.QueueSize)
	fmt.Fprintf(w, "  Agent:           %s://<device>:%d\n", cfg.Dispatch.Scheme, cfg.Dispatch.AgentPort)
	fmt.Fprintf(w, "  Dispatch:        %d attempts, timeout %s\n", cfg.Dispatch.MaxAttempts, cfg.Dispatch.Timeout)
	fmt.Fprintf(w, "  Job ids:         %s\n", cfg.JobID.Scheme)
	switch cfg.Storage.Backend {
	case "sqlite":
		fmt.Fprintf(w, "  Storage:         sqlite %s\n", cfg.Storage.SQLitePath)
	default:
		fmt.Fprintf(w, "  Storage:         file %s (snapshot every %s)\n", cfg.Storage.Dir, cfg.Snapshot.Interval)
	}
	if cfg.Payload.Backend == "s3" {
		fmt.Fprintf(w, "  Payloads:        s3://%s/%s\n", cfg.Payload.S3.Bucket, cfg.Payload.S3.Prefix)
	} else {
		fmt.Fprintf(w, "  Payloads:        %s\n", cfg.Payload.Dir)
	}
	fmt.Fprintln(w)

	status, err := api.status(ctx)
	if err != nil {
		fmt.Fprintf(w, "Deployer not reachable at %s: %v\n", api.base, err)
		return nil
	}
	fmt.Fprintln(w, "Deployer:")
	fmt.Fprintf(w, "  Ready:           %t (up %s)\n", status.Ready, status.Uptime)
	fmt.Fprintf(w, "  Workers:         %d busy / %d, %d queued\n", status.Busy, status.Workers, status.Queued)
	fmt.Fprintf(w, "  Armed timers:    %d\n", status.Armed)
	fmt.Fprintf(w, "  Early bundles:   %d\n", status.PendingCompletions)
	for _, st := range []string{"Scheduled", "Running", "Completed", "Failed"} {
		fmt.Fprintf(w, "  %-16s %d\n", st+":", status.Jobs[st])
	}
	fmt.Fprintf(w, "  Last recovery:   %d scheduled, %d overdue, %d failed in %s\n",
		status.Recovery.Scheduled, status.Recovery.Overdue, status.Recovery.Failed, status.Recovery.Took)
	return nil
}

func buildJobsCommand() *cobra.Command {
	var addr, status, user string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path, err := jobsPath(status)
			if err != nil {
				return err
			}
			jobs, err := newAPIClient(apiAddr(addr, cfg)).jobs(cmd.Context(), path, user)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "deployer base URL (default from server.port)")
	cmd.Flags().StringVar(&status, "status", "scheduled", "scheduled (includes running), completed or failed")
	cmd.Flags().StringVar(&user, "user", "", "only jobs of this user")
	return cmd
}

func jobsPath(status string) (string, error) {
	switch status {
	case "scheduled", "running":
		return "/api/scheduled", nil
	case "completed":
		return "/api/completed", nil
	case "failed":
		return "/api/failed", nil
	}
	return "", fmt.Errorf("unknown status %q (scheduled, completed, failed)", status)
}

func buildDevicesCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Show when each device is next free",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			slots, err := newAPIClient(apiAddr(addr, cfg)).availability(cmd.Context())
			if err != nil {
				return err
			}
			return printSlots(cmd.OutOrStdout(), slots)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "deployer base URL (default from server.port)")
	return cmd
}
