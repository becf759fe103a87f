package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/iot-deployer/internal/availability"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	"github.com/ChuLiYu/iot-deployer/internal/jobid"
	"github.com/ChuLiYu/iot-deployer/internal/storage/filestore"
	"github.com/ChuLiYu/iot-deployer/internal/storage/wal"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write test config file")
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "iot-deployer", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "jobs", "devices", "wal"} {
		assert.True(t, names[want], "Should have %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildJobsCommandFlags(t *testing.T) {
	cmd := buildJobsCommand()

	status := cmd.Flags().Lookup("status")
	require.NotNil(t, status)
	assert.Equal(t, "scheduled", status.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("user"))
	assert.NotNil(t, cmd.Flags().Lookup("addr"))
}

func TestBuildWALCommand(t *testing.T) {
	cmd := buildWALCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["dump"])
	assert.True(t, names["stats"])
	assert.True(t, names["validate"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("path"))
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8088
dispatch:
  scheme: https
  agent_port: 9443
  timeout: 5s
  max_attempts: 5
worker:
  worker_count: 8
  queue_size: 32
storage:
  backend: sqlite
  sqlite_path: /var/lib/deployer/jobs.db
  wal:
    sync_on_append: false
    buffer_size: 50
snapshot:
  interval: 30s
payload:
  backend: s3
  s3:
    bucket: firmware
    prefix: uploads/
jobid:
  scheme: legacy
metrics:
  enabled: true
  port: 9100
logging:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "https", cfg.Dispatch.Scheme)
	assert.Equal(t, 9443, cfg.Dispatch.AgentPort)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 8, cfg.Worker.WorkerCount)
	assert.Equal(t, 32, cfg.Worker.QueueSize)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/deployer/jobs.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.Snapshot.Interval)
	assert.Equal(t, "s3", cfg.Payload.Backend)
	assert.Equal(t, "firmware", cfg.Payload.S3.Bucket)
	assert.Equal(t, "legacy", cfg.JobID.Scheme)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)

	opts := cfg.walOptions()
	assert.False(t, opts.SyncOnAppend)
	assert.Equal(t, 50, opts.BufferSize)

	cc := cfg.controllerConfig()
	assert.Equal(t, jobid.SchemeLegacy, cc.JobIDScheme)
	assert.Equal(t, 8, cc.WorkerCount)
	assert.Equal(t, 30*time.Second, cc.SnapshotInterval)
	assert.Equal(t, cfg.Dispatch, cc.Dispatch)
}

func TestLoadConfig_EmptyFileGetsDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err, "Empty YAML file should load with defaults")

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "http", cfg.Dispatch.Scheme)
	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 100, cfg.Worker.QueueSize)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "data/store", cfg.Storage.Dir)
	assert.Equal(t, filepath.Join("data/store", "deployer.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, 5*time.Minute, cfg.Snapshot.Interval)
	assert.Equal(t, "file", cfg.Payload.Backend)
	assert.Equal(t, "data/logs", cfg.Logs.Dir)
	assert.Equal(t, string(jobid.SchemeWide), cfg.JobID.Scheme)
	assert.Equal(t, 8, cfg.JobID.MaxIDRetries)
	assert.Equal(t, 50051, cfg.Health.GRPCPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.walOptions().SyncOnAppend == wal.DefaultOptions().SyncOnAppend)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
worker:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_RejectsInvalidSettings(t *testing.T) {
	path := writeConfig(t, `
dispatch:
  scheme: ftp
storage:
  backend: postgres
payload:
  backend: s3
jobid:
  scheme: short
logging:
  level: loud
`)

	cfg, err := loadConfig(path)
	require.Error(t, err)
	assert.Nil(t, cfg)

	msg := err.Error()
	assert.Contains(t, msg, "dispatch.scheme")
	assert.Contains(t, msg, "storage.backend")
	assert.Contains(t, msg, "payload.s3.bucket")
	assert.Contains(t, msg, "jobid.scheme")
	assert.Contains(t, msg, "logging.level")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{
		"debug":   "DEBUG",
		"INFO":    "INFO",
		"warning": "WARN",
		"error":   "ERROR",
	} {
		lvl, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, lvl.String(), in)
	}

	_, err := parseLevel("verbose")
	assert.Error(t, err)
}

func TestJobsPath(t *testing.T) {
	for status, want := range map[string]string{
		"scheduled": "/api/scheduled",
		"running":   "/api/scheduled",
		"completed": "/api/completed",
		"failed":    "/api/failed",
	} {
		got, err := jobsPath(status)
		require.NoError(t, err)
		assert.Equal(t, want, got, status)
	}

	_, err := jobsPath("archived")
	assert.Error(t, err)
}

func TestAPIAddr(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 3100

	assert.Equal(t, "http://localhost:3100", apiAddr("", cfg))
	assert.Equal(t, "http://deployer:80", apiAddr("http://deployer:80", cfg))
}

func TestShowStatus_Unreachable(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	var out bytes.Buffer
	err = showStatus(context.Background(), &out, cfg, newAPIClient(base))

	assert.NoError(t, err, "showStatus should report, not fail, when the deployer is down")
	assert.Contains(t, out.String(), "Configuration:")
	assert.Contains(t, out.String(), "not reachable")
}

func TestShowStatus_Live(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		json.NewEncoder(w).Encode(controller.Status{
			Ready:   true,
			Workers: 4,
			Busy:    1,
			Armed:   3,
			Jobs:    map[string]int{"Scheduled": 3, "Completed": 7},
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), &out, cfg, newAPIClient(srv.URL)))

	assert.Contains(t, out.String(), "Ready:           true")
	assert.Contains(t, out.String(), "Armed timers:    3")
	assert.Contains(t, out.String(), "Completed:")
}

func TestAPIClientDecodesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"VALIDATION","message":"userId is required"}}`))
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL).jobs(context.Background(), "/api/scheduled", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "userId is required")
}

func TestAPIClientJobsPassesUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/completed", r.URL.Path)
		assert.Equal(t, "alice smith", r.URL.Query().Get("userId"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	jobs, err := newAPIClient(srv.URL+"/").jobs(context.Background(), "/api/completed", "alice smith")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPrintJobs(t *testing.T) {
	var out bytes.Buffer
	err := printJobs(&out, []types.Job{{
		ID:         1234567890123,
		UserID:     "alice",
		DeviceID:   "dev-1",
		FolderName: "fw-1.2",
		StartTime:  time.Now(),
		Duration:   120,
		Status:     types.StatusScheduled,
	}})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "JOB ID")
	assert.Contains(t, out.String(), "1234567890123")
	assert.Contains(t, out.String(), "120s")
	assert.Contains(t, out.String(), "1 job(s)")
}

func TestPrintSlots(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printSlots(&out, []availability.Slot{
		{DeviceID: "dev-1", FreeAt: time.Now()},
		{DeviceID: "dev-2", FreeAt: time.Now().Add(time.Hour)},
	}))

	assert.Contains(t, out.String(), "FREE AT")
	assert.Contains(t, out.String(), "dev-1")
	assert.Contains(t, out.String(), "dev-2")
}

func seedJournal(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	s, err := filestore.Open(filestore.Config{Dir: dir, WAL: wal.DefaultOptions()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Register(ctx, "dev-1", "10.0.0.7", time.Now())
	require.NoError(t, err)
	_, err = s.Register(ctx, "dev-2", "10.0.0.8", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return filestore.WALPath(dir)
}

func runWAL(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildWALCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestWALValidateAndStats(t *testing.T) {
	path := seedJournal(t)

	out, err := runWAL(t, "validate", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 events, OK")

	out, err = runWAL(t, "stats", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Events:   2")
	assert.Contains(t, out, string(wal.EventDevicePut))

	out, err = runWAL(t, "dump", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[Seq:1]")
	assert.Contains(t, out, "[Seq:2]")
}

func TestWALValidateMissingFile(t *testing.T) {
	_, err := runWAL(t, "validate", "--path", filepath.Join(t.TempDir(), "missing.wal"))
	assert.Error(t, err)
}
