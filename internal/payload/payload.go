// ============================================================================
// Payload Store
// ============================================================================
//
// Package: internal/payload
// File: payload.go
// Purpose: Keep uploaded firmware/application bundles until they have been
// delivered to the device agent.
//
// Locations:
//   file - <dir>/<jobId>/<uuid>-<name>
//   s3   - s3://<bucket>/<prefix>/<jobId>/<uuid>-<name>
//
//   A location is opaque to every other package. Jobs reference it through
//   Job.FilePath; the bytes are never copied into the job store.
//
// ============================================================================

package payload

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// ErrPayloadMissing is returned when a location no longer resolves to a payload.
var ErrPayloadMissing = errors.New("payload missing")

// Info describes a stored payload.
type Info struct {
	Location string
	Size     int64
}

// Store persists payloads keyed by job.
type Store interface {
	// Save stores r under jobID and returns its location.
	Save(ctx context.Context, jobID types.JobID, name string, r io.Reader) (string, error)
	// Open returns a reader for location. The caller closes it.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Stat reports whether location exists, or ErrPayloadMissing.
	Stat(ctx context.Context, location string) (Info, error)
	// Remove deletes location. Removing a missing payload is not an error.
	Remove(ctx context.Context, location string) error
}

// objectName builds "<jobId>/<uuid>-<base name>". The uuid prefix keeps two
// uploads with the same name for the same job apart.
func objectName(jobID types.JobID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "payload"
	}
	return path.Join(jobID.String(), uuid.NewString()+"-"+base)
}

// DisplayName returns the upload's original file name for a location.
func DisplayName(location string) string {
	base := path.Base(strings.ReplaceAll(location, "\\", "/"))
	if len(base) > 37 && base[36] == '-' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}
