// ============================================================================
// Agent Simulator - stand-in device agent for local runs
// ============================================================================
//
// Package: main
// File: main.go
// Purpose: Play the device-agent side of the deploy handshake against a
// running deployer, so the whole job lifecycle can be exercised without
// hardware.
//
// Lifecycle:
//   1. POST /api/devices with the simulated device ids (the deployer records
//      this process's address as each device's SenderIP)
//   2. serve POST /deploy-code; accept, then "run" for the job's duration
//      (capped by --max-run)
//   3. POST the log bundle to /api/get-log, which completes the job
//
// Usage:
//   agent-sim --deployer http://localhost:3000 --listen :3001 --device dev-1
//
// ============================================================================

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCommand() *cobra.Command {
	var (
		deployer string
		listen   string
		devices  []string
		maxRun   time.Duration
	)

	cmd := &cobra.Command{
		Use:          "agent-sim",
		Short:        "Simulated device agent for a local deployer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := newAgent(deployer, maxRun)
			if err := a.register(ctx, devices); err != nil {
				return err
			}

			srv := &http.Server{Addr: listen, Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("agent listening", "address", listen, "devices", devices)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			a.wait()
			return err
		},
	}

	cmd.Flags().StringVar(&deployer, "deployer", "http://localhost:3000", "deployer base URL")
	cmd.Flags().StringVar(&listen, "listen", ":3001", "agent listen address (must match dispatch.agent_port)")
	cmd.Flags().StringSliceVar(&devices, "device", []string{"dev-1"}, "device ids to report")
	cmd.Flags().DurationVar(&maxRun, "max-run", 5*time.Second, "cap on simulated job run time")
	return cmd
}

// agent accepts deployments and reports their logs.
type agent struct {
	deployer string
	client   *http.Client
	maxRun   time.Duration

	// base is cancelled by wait so in-flight runs report immediately
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAgent(deployer string, maxRun time.Duration) *agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &agent{
		deployer: strings.TrimRight(deployer, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		maxRun:   maxRun,
		base:     ctx,
		cancel:   cancel,
	}
}

func (a *agent) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/deploy-code", a.handleDeploy)
	return r
}

// wait stops outstanding runs early and blocks until their logs are sent.
func (a *agent) wait() {
	a.cancel()
	a.wg.Wait()
}

func (a *agent) register(ctx context.Context, devices []string) error {
	reports := make([]map[string]string, 0, len(devices))
	for _, id := range devices {
		reports = append(reports, map[string]string{"id": id})
	}
	body, err := json.Marshal(reports)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.deployer+"/api/devices", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("register devices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register devices: %s", resp.Status)
	}
	slog.Info("devices registered", "count", len(devices))
	return nil
}

// deployment is what the agent keeps from a /deploy-code request.
type deployment struct {
	JobID      string
	DeviceID   string
	FolderName string
	FileName   string
	Size       int64
	Digest     string
	Duration   time.Duration
}

func (a *agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	d := deployment{
		JobID:      r.FormValue("jobId"),
		DeviceID:   r.FormValue("device_id"),
		FolderName: r.FormValue("folderName"),
	}
	if d.JobID == "" {
		http.Error(w, "jobId is required", http.StatusBadRequest)
		return
	}
	if secs, err := strconv.ParseInt(r.FormValue("duration"), 10, 64); err == nil {
		d.Duration = time.Duration(secs) * time.Second
	}

	f, fh, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	h := sha256.New()
	d.Size, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		http.Error(w, "unreadable file", http.StatusBadRequest)
		return
	}
	d.FileName = fh.Filename
	d.Digest = hex.EncodeToString(h.Sum(nil))

	slog.Info("deployment accepted", "job_id", d.JobID, "device_id", d.DeviceID, "file", d.FileName, "bytes", d.Size)

	a.wg.Add(1)
	go a.run(d)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "jobId": d.JobID})
}

func (a *agent) run(d deployment) {
	defer a.wg.Done()

	runFor := min(d.Duration, a.maxRun)
	started := time.Now()
	select {
	case <-time.After(runFor):
	case <-a.base.Done():
	}

	if err := a.sendLog(d, time.Since(started)); err != nil {
		slog.Error("log upload failed", "job_id", d.JobID, "error", err)
		return
	}
	slog.Info("log uploaded", "job_id", d.JobID)
}

func (a *agent) sendLog(d deployment, ran time.Duration) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("jobId", d.JobID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", "run-"+d.JobID+".log")
	if err != nil {
		return err
	}
	fmt.Fprintf(part, "device=%s folder=%s\n", d.DeviceID, d.FolderName)
	fmt.Fprintf(part, "payload=%s bytes=%d sha256=%s\n", d.FileName, d.Size, d.Digest)
	fmt.Fprintf(part, "ran=%s reserved=%s\n", ran.Round(time.Millisecond), d.Duration)
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, a.deployer+"/api/get-log", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.New(resp.Status + ": " + strings.TrimSpace(string(msg)))
}
