package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// FileStore keeps payloads on the local filesystem.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve payload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes r to a temp file and renames it into place, so a partially
// written payload never has a location.
func (s *FileStore) Save(ctx context.Context, jobID types.JobID, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(s.dir, filepath.FromSlash(objectName(jobID, name)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp payload: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close payload: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename payload: %w", err)
	}
	return dst, nil
}

// Open opens a stored payload.
func (s *FileStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	p, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapFSError(location, err)
	}
	return f, nil
}

// Stat reports the size of a stored payload.
func (s *FileStore) Stat(ctx context.Context, location string) (Info, error) {
	p, err := s.resolve(location)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Info{}, mapFSError(location, err)
	}
	if fi.IsDir() {
		return Info{}, fmt.Errorf("%s: %w", location, ErrPayloadMissing)
	}
	return Info{Location: location, Size: fi.Size()}, nil
}

// Remove deletes a payload and its job directory once empty.
func (s *FileStore) Remove(ctx context.Context, location string) error {
	p, err := s.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove payload: %w", err)
	}
	// fails harmlessly while other payloads of the job remain
	os.Remove(filepath.Dir(p))
	return nil
}

// resolve rejects locations outside the store root.
func (s *FileStore) resolve(location string) (string, error) {
	p := filepath.Clean(location)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.dir, p)
	}
	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s: outside payload dir: %w", location, ErrPayloadMissing)
	}
	return p, nil
}

func mapFSError(location string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", location, ErrPayloadMissing)
	}
	return fmt.Errorf("%s: %w", location, err)
}
