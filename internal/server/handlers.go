package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/internal/controller"
	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// multipart parts above this stay on disk while the form is parsed
const formMemory = 8 << 20

// parseForm reads the whole multipart body before anything is stored.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request, op string) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperrors.Validation(op, "upload exceeds %d bytes", tooBig.Limit)
		}
		return apperrors.Validation(op, "invalid multipart form: %v", err)
	}
	return nil
}

// uploadedFile prefers the "file" field and otherwise takes the first
// file part of any name.
func uploadedFile(form *multipart.Form) *multipart.FileHeader {
	if fhs := form.File["file"]; len(fhs) > 0 {
		return fhs[0]
	}
	names := make([]string, 0, len(form.File))
	for name := range form.File {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if fhs := form.File[name]; len(fhs) > 0 {
			return fhs[0]
		}
	}
	return nil
}

func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	const op = "ScheduleJob"
	if err := s.parseForm(w, r, op); err != nil {
		writeError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	seconds, err := strconv.Atoi(strings.TrimSpace(r.FormValue("duration")))
	if err != nil {
		writeError(w, apperrors.Validation(op, "duration must be a whole number of seconds"))
		return
	}
	fh := uploadedFile(r.MultipartForm)
	if fh == nil {
		writeError(w, apperrors.Validation(op, "file is required"))
		return
	}
	file, err := fh.Open()
	if err != nil {
		writeError(w, apperrors.Validation(op, "unreadable file part: %v", err))
		return
	}
	defer file.Close()

	job, err := s.deployer.Schedule(r.Context(), controller.Submission{
		UserID:        r.FormValue("userId"),
		DeviceID:      r.FormValue("deviceId"),
		FolderName:    r.FormValue("folderName"),
		DFUUploadName: r.FormValue("dfuUploadName"),
		Duration:      time.Duration(seconds) * time.Second,
		SubmitterIP:   clientIP(r),
	}, fh.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deployer.Devices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	writeJSON(w, http.StatusOK, ids)
}

type availabilityRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperrors.Validation("CheckAvailability", "invalid JSON body: %v", err))
		return
	}

	if req.DeviceID == "" {
		slots, err := s.deployer.AllAvailability(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slots)
		return
	}

	slot, err := s.deployer.Availability(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

type deviceReport struct {
	ID string `json:"id"`
}

func (s *Server) handleRegisterDevices(w http.ResponseWriter, r *http.Request) {
	const op = "RegisterDevices"
	var reports []deviceReport
	if err := json.NewDecoder(r.Body).Decode(&reports); err != nil {
		writeError(w, apperrors.Validation(op, "expected a JSON array of {\"id\"}: %v", err))
		return
	}
	ids := make([]string, 0, len(reports))
	for _, rep := range reports {
		if rep.ID == "" {
			writeError(w, apperrors.Validation(op, "device id is required"))
			return
		}
		ids = append(ids, rep.ID)
	}

	devices, err := s.deployer.RegisterDevices(r.Context(), ids, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type logReceipt struct {
	JobID     types.JobID          `json:"jobId"`
	Files     []completion.LogFile `json:"files"`
	Completed bool                 `json:"completed"`
}

// handleGetLog stores a log bundle, then marks the job Completed. A bundle
// for a job the server has not seen yet is kept and applied on creation.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	const op = "GetLog"
	if err := s.parseForm(w, r, op); err != nil {
		writeError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	raw := r.FormValue("jobId")
	if raw == "" {
		writeError(w, apperrors.Validation(op, "jobId is required"))
		return
	}
	id, err := types.ParseJobID(raw)
	if err != nil {
		writeError(w, apperrors.Validation(op, "invalid jobId %q", raw))
		return
	}

	receipt := logReceipt{JobID: id, Files: []completion.LogFile{}}
	for _, fhs := range r.MultipartForm.File {
		for _, fh := range fhs {
			f, err := fh.Open()
			if err != nil {
				writeError(w, apperrors.Validation(op, "unreadable file part: %v", err))
				return
			}
			saved, err := s.deployer.SaveLog(r.Context(), id, fh.Filename, f)
			f.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			receipt.Files = append(receipt.Files, saved)
		}
	}
	sort.Slice(receipt.Files, func(i, j int) bool { return receipt.Files[i].Name < receipt.Files[j].Name })

	receipt.Completed, err = s.deployer.Complete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !receipt.Completed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, receipt)
}

// handleDownloadLog serves one log file, or lists them when file is empty.
func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	const op = "DownloadLog"
	raw := r.URL.Query().Get("jobId")
	if raw == "" {
		writeError(w, apperrors.Validation(op, "jobId is required"))
		return
	}
	id, err := types.ParseJobID(raw)
	if err != nil {
		writeError(w, apperrors.Validation(op, "invalid jobId %q", raw))
		return
	}

	name := r.URL.Query().Get("file")
	if name == "" {
		files, err := s.deployer.Logs().List(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
		return
	}

	rc, info, err := s.deployer.Logs().Open(r.Context(), id, name)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn("log download interrupted", "jobID", id, "file", info.Name, "error", err)
	}
}

func (s *Server) handleListJobs(statuses ...types.JobStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.deployer.Jobs(r.Context(), r.URL.Query().Get("userId"), statuses...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "jobId")
	id, err := types.ParseJobID(raw)
	if err != nil {
		writeError(w, apperrors.Validation("GetJob", "invalid jobId %q", raw))
		return
	}
	job, err := s.deployer.Job(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deployer.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.deployer.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Ready: true})
}
