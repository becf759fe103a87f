// ============================================================================
// IoT Deployer integration harness
// ============================================================================
//
// Package: test/integration
// File: harness_test.go
// Purpose: Run the real controller, HTTP API and storage backends together
// against an in-process device agent.
//
// The agent listens on 127.0.0.1. Jobs are submitted over HTTP from the same
// address, so the deployer records 127.0.0.1 as each device's SenderIP and
// dispatches back to the agent. A healthy agent accepts the payload and, after
// a short delay, posts a log bundle to /api/get-log, completing the job.
//
// Backends:
//   file   - filestore (WAL + snapshot) in a temp dir
//   sqlite - sqlstore in a temp dir
//
// ============================================================================

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	"github.com/ChuLiYu/iot-deployer/internal/dispatch"
	"github.com/ChuLiYu/iot-deployer/internal/jobid"
	"github.com/ChuLiYu/iot-deployer/internal/payload"
	"github.com/ChuLiYu/iot-deployer/internal/server"
	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/internal/storage/filestore"
	"github.com/ChuLiYu/iot-deployer/internal/storage/sqlstore"
	"github.com/ChuLiYu/iot-deployer/internal/storage/wal"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var backends = []string{"file", "sqlite"}

// ============================================================================
// Device agent
// ============================================================================

type agent struct {
	srv     *httptest.Server
	port    int
	healthy atomic.Bool

	mu       sync.Mutex
	deployer string
	received []string // jobIds, in arrival order
	wg       sync.WaitGroup
}

func newAgent(t testing.TB) *agent {
	t.Helper()
	a := &agent{}
	a.healthy.Store(true)
	a.srv = httptest.NewServer(http.HandlerFunc(a.handleDeploy))

	_, port, err := net.SplitHostPort(a.srv.Listener.Addr().String())
	require.NoError(t, err)
	a.port, _ = strconv.Atoi(port)

	t.Cleanup(func() {
		a.srv.Close()
		a.wg.Wait()
	})
	return a
}

func (a *agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if !a.healthy.Load() {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobID := r.FormValue("jobId")

	a.mu.Lock()
	a.received = append(a.received, jobID)
	deployer := a.deployer
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		time.Sleep(50 * time.Millisecond)
		postLog(deployer, jobID)
	}()
	w.WriteHeader(http.StatusOK)
}

func (a *agent) setDeployer(url string) {
	a.mu.Lock()
	a.deployer = url
	a.mu.Unlock()
}

func (a *agent) deliveries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

func postLog(deployer, jobID string) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("jobId", jobID)
	part, _ := mw.CreateFormFile("file", "run.log")
	fmt.Fprintf(part, "job %s finished\n", jobID)
	mw.Close()

	resp, err := http.Post(deployer+"/api/get-log", mw.FormDataContentType(), &body)
	if err == nil {
		resp.Body.Close()
	}
}

// ============================================================================
// System under test
// ============================================================================

type system struct {
	t        testing.TB
	backend  string
	dir      string
	agent    *agent
	payloads *payload.FileStore
	logs     *completion.LogStore

	store storage.Store
	ctrl  *controller.Controller
	api   *httptest.Server
}

func newSystem(t testing.TB, backend string) *system {
	t.Helper()
	s := &system{t: t, backend: backend, dir: t.TempDir(), agent: newAgent(t)}

	var err error
	s.payloads, err = payload.NewFileStore(filepath.Join(s.dir, "payloads"))
	require.NoError(t, err)
	s.logs, err = completion.NewLogStore(filepath.Join(s.dir, "logs"))
	require.NoError(t, err)

	t.Cleanup(s.stop)
	return s
}

func (s *system) openStore() storage.Store {
	s.t.Helper()
	switch s.backend {
	case "sqlite":
		st, err := sqlstore.Open(context.Background(), filepath.Join(s.dir, "store", "deployer.db"))
		require.NoError(s.t, err)
		return st
	default:
		st, err := filestore.Open(filestore.Config{Dir: filepath.Join(s.dir, "store"), WAL: wal.DefaultOptions()})
		require.NoError(s.t, err)
		return st
	}
}

// start opens the store and brings up the controller and API.
func (s *system) start(opts ...controller.Option) {
	s.t.Helper()
	s.store = s.openStore()

	config := controller.Config{
		WorkerCount:      4,
		QueueSize:        1000,
		SnapshotInterval: time.Hour,
		JobIDScheme:      jobid.SchemeWide,
		Dispatch: dispatch.Config{
			AgentPort:   s.agent.port,
			Timeout:     2 * time.Second,
			MaxAttempts: 5,
			BaseBackoff: time.Minute,
			MaxBackoff:  time.Minute,
		},
	}
	s.ctrl = controller.New(config, s.store, s.payloads, s.logs, opts...)
	require.NoError(s.t, s.ctrl.Start(context.Background()))

	s.api = httptest.NewServer(server.New(server.DefaultConfig(), s.ctrl).Handler())
	s.agent.setDeployer(s.api.URL)
}

// stop shuts down like a process exit: API, controller, then the store.
func (s *system) stop() {
	if s.api != nil {
		s.api.Close()
		s.api = nil
	}
	if s.ctrl != nil {
		s.ctrl.Stop()
		s.ctrl = nil
	}
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
}

func (s *system) restart(opts ...controller.Option) {
	s.stop()
	s.start(opts...)
}

// schedule posts a schedule-job form and returns the created job.
func (s *system) schedule(device string, seconds int) types.Job {
	s.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"userId":        "integration",
		"deviceId":      device,
		"folderName":    "blink",
		"dfuUploadName": "app.zip",
		"duration":      strconv.Itoa(seconds),
	} {
		require.NoError(s.t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", "app.zip")
	require.NoError(s.t, err)
	part.Write([]byte("firmware for " + device))
	require.NoError(s.t, mw.Close())

	resp, err := http.Post(s.api.URL+"/api/schedule-job", mw.FormDataContentType(), &body)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)

	var job types.Job
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func (s *system) getJSON(path string, out any) {
	s.t.Helper()
	resp, err := http.Get(s.api.URL + path)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	require.Equal(s.t, http.StatusOK, resp.StatusCode, path)
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
}

func (s *system) job(id types.JobID) types.Job {
	s.t.Helper()
	var job types.Job
	s.getJSON("/api/jobs/"+id.String(), &job)
	return job
}

func (s *system) waitForStatus(id types.JobID, want types.JobStatus, timeout time.Duration) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		job, err := s.ctrl.Job(context.Background(), id)
		return err == nil && job.Status == want
	}, timeout, 20*time.Millisecond, "job %s never reached %s", id, want)
}

// hourAhead pins every new booking an hour out so nothing fires.
func hourAhead() controller.Option {
	return controller.WithClock(func() time.Time { return time.Now().Add(time.Hour) })
}
