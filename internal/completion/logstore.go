package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/ChuLiYu/iot-deployer/internal/errors"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

const logSubdir = "log"

// LogFile describes one stored log file.
type LogFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// LogStore keeps log bundles at <dir>/<jobId>/log/<name>.
type LogStore struct {
	dir string
}

// NewLogStore creates dir if needed.
func NewLogStore(dir string) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &LogStore{dir: dir}, nil
}

func (s *LogStore) jobDir(id types.JobID) string {
	return filepath.Join(s.dir, id.String(), logSubdir)
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		return "", apperrors.Validation("LogStore", "invalid log file name %q", name)
	}
	return base, nil
}

// Save writes one log file. An existing file with the same name is replaced.
func (s *LogStore) Save(ctx context.Context, id types.JobID, name string, r io.Reader) (LogFile, error) {
	base, err := cleanName(name)
	if err != nil {
		return LogFile{}, err
	}
	if err := ctx.Err(); err != nil {
		return LogFile{}, err
	}

	dir := s.jobDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return LogFile{}, apperrors.Persistence("LogStore.Save", err)
	}
	tmp, err := os.CreateTemp(dir, ".log-*")
	if err != nil {
		return LogFile{}, apperrors.Persistence("LogStore.Save", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return LogFile{}, apperrors.Persistence("LogStore.Save", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, base)); err != nil {
		os.Remove(tmp.Name())
		return LogFile{}, apperrors.Persistence("LogStore.Save", err)
	}
	return LogFile{Name: base, Size: n, ModTime: time.Now()}, nil
}

// List returns the log files of a job ordered by name.
func (s *LogStore) List(ctx context.Context, id types.JobID) ([]LogFile, error) {
	entries, err := os.ReadDir(s.jobDir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("LogStore.List", "no logs for job %s", id)
		}
		return nil, apperrors.Persistence("LogStore.List", err)
	}

	files := make([]LogFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".log-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFile{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Open returns a reader for one log file. The caller closes it.
func (s *LogStore) Open(ctx context.Context, id types.JobID, name string) (io.ReadCloser, LogFile, error) {
	base, err := cleanName(name)
	if err != nil {
		return nil, LogFile{}, err
	}
	f, err := os.Open(filepath.Join(s.jobDir(id), base))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, LogFile{}, apperrors.NotFound("LogStore.Open", "log %s of job %s", base, id)
		}
		return nil, LogFile{}, apperrors.Persistence("LogStore.Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, LogFile{}, apperrors.Persistence("LogStore.Open", err)
	}
	return f, LogFile{Name: base, Size: info.Size(), ModTime: info.ModTime()}, nil
}
