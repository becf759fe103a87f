package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	"github.com/ChuLiYu/iot-deployer/internal/dispatch"
	"github.com/ChuLiYu/iot-deployer/internal/jobid"
	"github.com/ChuLiYu/iot-deployer/internal/payload"
	"github.com/ChuLiYu/iot-deployer/internal/server"
	"github.com/ChuLiYu/iot-deployer/internal/storage/wal"
)

// Config is the whole deployer configuration, one section per component.
type Config struct {
	Server   server.Config   `yaml:"server"`
	Dispatch dispatch.Config `yaml:"dispatch"`

	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		QueueSize   int `yaml:"queue_size"`
	} `yaml:"worker"`

	Storage struct {
		Backend         string `yaml:"backend"` // file | sqlite
		Dir             string `yaml:"dir"`
		SQLitePath      string `yaml:"sqlite_path"`
		SnapshotBackups int    `yaml:"snapshot_backups"`
		WAL             struct {
			SyncOnAppend    *bool         `yaml:"sync_on_append"`
			BufferSize      int           `yaml:"buffer_size"`
			FlushInterval   time.Duration `yaml:"flush_interval"`
			CompressRotated bool          `yaml:"compress_rotated"`
		} `yaml:"wal"`
	} `yaml:"storage"`

	Snapshot struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	Payload struct {
		Backend string           `yaml:"backend"` // file | s3
		Dir     string           `yaml:"dir"`
		S3      payload.S3Config `yaml:"s3"`
	} `yaml:"payload"`

	Logs struct {
		Dir string `yaml:"dir"`
	} `yaml:"logs"`

	Recovery struct {
		Redis struct {
			Addrs    []string      `yaml:"addrs"`
			Password string        `yaml:"password"`
			DB       int           `yaml:"db"`
			ClaimTTL time.Duration `yaml:"claim_ttl"`
		} `yaml:"redis"`
	} `yaml:"recovery"`

	Completion struct {
		PendingTTL time.Duration `yaml:"pending_ttl"`
	} `yaml:"completion"`

	JobID struct {
		Scheme       string `yaml:"scheme"` // legacy | wide
		MaxIDRetries int    `yaml:"max_id_retries"`
	} `yaml:"jobid"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"` // 0 serves /metrics on the API port
	} `yaml:"metrics"`

	Health struct {
		Enabled  bool `yaml:"enabled"`
		GRPCPort int  `yaml:"grpc_port"`
	} `yaml:"health"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// loadConfig reads path, fills defaults and validates.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := server.DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = def.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Port
	}

	dd := dispatch.DefaultConfig()
	if c.Dispatch.Scheme == "" {
		c.Dispatch.Scheme = dd.Scheme
	}
	if c.Dispatch.AgentPort == 0 {
		c.Dispatch.AgentPort = dd.AgentPort
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = dd.Timeout
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = dd.MaxAttempts
	}
	if c.Dispatch.BaseBackoff == 0 {
		c.Dispatch.BaseBackoff = dd.BaseBackoff
	}
	if c.Dispatch.MaxBackoff == 0 {
		c.Dispatch.MaxBackoff = dd.MaxBackoff
	}

	if c.Worker.WorkerCount == 0 {
		c.Worker.WorkerCount = 4
	}
	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = 100
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "data/store"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.Dir, "deployer.db")
	}
	if c.Storage.WAL.BufferSize == 0 {
		c.Storage.WAL.BufferSize = wal.DefaultOptions().BufferSize
	}
	if c.Storage.WAL.FlushInterval == 0 {
		c.Storage.WAL.FlushInterval = wal.DefaultOptions().FlushInterval
	}
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 5 * time.Minute
	}

	if c.Payload.Backend == "" {
		c.Payload.Backend = "file"
	}
	if c.Payload.Dir == "" {
		c.Payload.Dir = "data/payloads"
	}
	if c.Logs.Dir == "" {
		c.Logs.Dir = "data/logs"
	}
	if c.Completion.PendingTTL == 0 {
		c.Completion.PendingTTL = completion.DefaultPendingTTL
	}

	if c.JobID.Scheme == "" {
		c.JobID.Scheme = string(jobid.SchemeWide)
	}
	if c.JobID.MaxIDRetries == 0 {
		c.JobID.MaxIDRetries = 8
	}

	if c.Health.GRPCPort == 0 {
		c.Health.GRPCPort = 50051
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects settings the deployer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Dispatch.AgentPort <= 0 || c.Dispatch.AgentPort > 65535 {
		errs = append(errs, fmt.Errorf("dispatch.agent_port %d out of range", c.Dispatch.AgentPort))
	}
	if c.Dispatch.Scheme != "http" && c.Dispatch.Scheme != "https" {
		errs = append(errs, fmt.Errorf("dispatch.scheme must be http or https, got %q", c.Dispatch.Scheme))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}
	if c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_second must not be negative"))
	}
	if c.Worker.WorkerCount < 1 {
		errs = append(errs, errors.New("worker.worker_count must be at least 1"))
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be file or sqlite, got %q", c.Storage.Backend))
	}
	switch c.Payload.Backend {
	case "file":
	case "s3":
		if c.Payload.S3.Bucket == "" {
			errs = append(errs, errors.New("payload.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("payload.backend must be file or s3, got %q", c.Payload.Backend))
	}
	if _, err := jobid.ParseScheme(c.JobID.Scheme); err != nil {
		errs = append(errs, fmt.Errorf("jobid.scheme: %w", err))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// walOptions maps the storage.wal section onto the journal options.
func (c *Config) walOptions() wal.Options {
	opts := wal.DefaultOptions()
	if c.Storage.WAL.SyncOnAppend != nil {
		opts.SyncOnAppend = *c.Storage.WAL.SyncOnAppend
	}
	opts.BufferSize = c.Storage.WAL.BufferSize
	opts.FlushInterval = c.Storage.WAL.FlushInterval
	opts.CompressRotated = c.Storage.WAL.CompressRotated
	return opts
}

func (c *Config) controllerConfig() controller.Config {
	scheme, _ := jobid.ParseScheme(c.JobID.Scheme)
	return controller.Config{
		WorkerCount:      c.Worker.WorkerCount,
		QueueSize:        c.Worker.QueueSize,
		SnapshotInterval: c.Snapshot.Interval,
		JobIDScheme:      scheme,
		MaxIDRetries:     c.JobID.MaxIDRetries,
		Dispatch:         c.Dispatch,
		PendingTTL:       c.Completion.PendingTTL,
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", s)
}

// setupLogging installs the root slog handler.
func setupLogging(c *Config) {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if c.Logging.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	// package loggers captured slog.Default() at init; they write through
	// the log package, which honours this level
	slog.SetLogLoggerLevel(level)
	slog.SetDefault(slog.New(h))
}
