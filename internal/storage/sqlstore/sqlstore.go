// Package sqlstore is the SQLite storage backend. It uses the pure-Go
// modernc.org/sqlite driver, so no cgo toolchain is needed.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/iot-deployer/internal/storage"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

var log = slog.Default()

const driverName = "sqlite"

// Store implements storage.Store on a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (and creates if needed) the database at path and migrates it.
//
// A single connection is kept; SQLite serializes writers anyway and this
// makes every transaction see the previous one's result.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("sqlstore: create dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	if path != ":memory:" {
		if err := configure(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("sqlstore opened", "path", path, "schema_version", SchemaVersion)
	return &Store{db: db, now: time.Now}, nil
}

func configure(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlstore: enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("sqlstore: set busy timeout: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ============================================================================
// DeviceStore
// ============================================================================

const deviceColumns = `device_id, sender_ip, free_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (types.Device, error) {
	var (
		d                 types.Device
		freeAt, updatedAt int64
	)
	if err := r.Scan(&d.ID, &d.SenderIP, &freeAt, &updatedAt); err != nil {
		return types.Device{}, err
	}
	d.FreeAt = fromNanos(freeAt)
	d.UpdatedAt = fromNanos(updatedAt)
	return d, nil
}

// FindOrCreate returns the device, creating it with FreeAt=now when unseen.
func (s *Store) FindOrCreate(ctx context.Context, deviceID, ip string, now time.Time) (types.Device, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO NOTHING`,
		deviceID, ip, toNanos(now), toNanos(now))
	if err != nil {
		return types.Device{}, false, fmt.Errorf("sqlstore: insert device: %w", err)
	}
	n, _ := res.RowsAffected()

	d, err := s.Device(ctx, deviceID)
	if err != nil {
		return types.Device{}, false, err
	}
	return d, n == 1, nil
}

// Device returns the device or storage.ErrDeviceNotFound.
func (s *Store) Device(ctx context.Context, deviceID string) (types.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Device{}, storage.ErrDeviceNotFound
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("sqlstore: read device: %w", err)
	}
	return d, nil
}

// List returns every device ordered by id.
func (s *Store) List(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list devices: %w", err)
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Register upserts the device address and raises a past watermark to now.
func (s *Store) Register(ctx context.Context, deviceID, ip string, now time.Time) (types.Device, error) {
	n := toNanos(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			sender_ip = excluded.sender_ip,
			free_at = MAX(devices.free_at, excluded.free_at),
			updated_at = excluded.updated_at`,
		deviceID, ip, n, n)
	if err != nil {
		return types.Device{}, fmt.Errorf("sqlstore: register device: %w", err)
	}
	return s.Device(ctx, deviceID)
}

// CommitReservation advances the watermark and inserts the job in one
// transaction, compare-and-set on the watermark the caller read.
func (s *Store) CommitReservation(ctx context.Context, c storage.ReservationCommit) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer func() {
		if !ok || err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, int64(c.Job.ID)).Scan(&exists)
	if err == nil {
		return false, storage.ErrDuplicateJob
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sqlstore: check job: %w", err)
	}

	var freeAt int64
	err = tx.QueryRowContext(ctx, `SELECT free_at FROM devices WHERE device_id = ?`, c.DeviceID).Scan(&freeAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if c.Exists {
			return false, nil
		}
	case err != nil:
		return false, fmt.Errorf("sqlstore: read watermark: %w", err)
	default:
		if !c.Exists || freeAt != toNanos(c.ExpectedFreeAt) {
			return false, nil
		}
	}

	now := s.now()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			sender_ip = CASE WHEN excluded.sender_ip = '' THEN devices.sender_ip ELSE excluded.sender_ip END,
			free_at = excluded.free_at,
			updated_at = excluded.updated_at`,
		c.DeviceID, c.SenderIP, toNanos(c.NewFreeAt), toNanos(now)); err != nil {
		return false, fmt.Errorf("sqlstore: advance watermark: %w", err)
	}

	job := c.Job
	job.Status = types.StatusScheduled
	job.CreatedAt = now.UnixMilli()
	job.UpdatedAt = job.CreatedAt
	if err = insertJob(ctx, tx, job); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlstore: commit reservation: %w", err)
	}
	return true, nil
}

// ============================================================================
// JobStore
// ============================================================================

const jobColumns = `job_id, user_id, device_id, folder_name, dfu_upload_name, file_path,
	start_time, duration, status, attempt, last_error, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, db execer, job types.Job) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		int64(job.ID), job.UserID, job.DeviceID, job.FolderName, job.DFUUploadName, job.FilePath,
		toNanos(job.StartTime), job.Duration, string(job.Status), job.Attempt, job.LastError,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlstore: insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrDuplicateJob
	}
	return nil
}

func scanJob(r rowScanner) (types.Job, error) {
	var (
		j         types.Job
		id, start int64
		status    string
	)
	if err := r.Scan(&id, &j.UserID, &j.DeviceID, &j.FolderName, &j.DFUUploadName, &j.FilePath,
		&start, &j.Duration, &status, &j.Attempt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return types.Job{}, err
	}
	j.ID = types.JobID(id)
	j.StartTime = fromNanos(start)
	j.Status = types.JobStatus(status)
	return j, nil
}

// Create inserts a job or returns storage.ErrDuplicateJob.
func (s *Store) Create(ctx context.Context, job types.Job) error {
	if job.Status == "" {
		job.Status = types.StatusScheduled
	}
	job.CreatedAt = s.now().UnixMilli()
	job.UpdatedAt = job.CreatedAt
	return insertJob(ctx, s.db, job)
}

// SetStatus overwrites the status of a job.
func (s *Store) SetStatus(ctx context.Context, id types.JobID, status types.JobStatus, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?,
			last_error = CASE WHEN ? <> '' THEN ? ELSE last_error END,
			updated_at = ?
		 WHERE job_id = ?`,
		string(status), detail, detail, s.now().UnixMilli(), int64(id))
	if err != nil {
		return fmt.Errorf("sqlstore: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// Transition moves a job from -> to or returns storage.ErrStatusConflict.
func (s *Store) Transition(ctx context.Context, id types.JobID, from, to types.JobStatus, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?,
			last_error = CASE WHEN ? <> '' THEN ? ELSE last_error END,
			updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		string(to), detail, detail, s.now().UnixMilli(), int64(id), string(from))
	if err != nil {
		return fmt.Errorf("sqlstore: transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return storage.ErrStatusConflict
}

// RecordAttempt bumps the attempt counter and stores the last error.
func (s *Store) RecordAttempt(ctx context.Context, id types.JobID, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempt = attempt + 1, last_error = ?, updated_at = ? WHERE job_id = ?`,
		lastError, s.now().UnixMilli(), int64(id))
	if err != nil {
		return fmt.Errorf("sqlstore: record attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// FindByStatus lists jobs in any of statuses ordered by start time then id.
func (s *Store) FindByStatus(ctx context.Context, userID string, statuses ...types.JobStatus) ([]types.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + placeholders + `)`
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY start_time, job_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find by status: %w", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FindByID returns the job or storage.ErrJobNotFound.
func (s *Store) FindByID(ctx context.Context, id types.JobID) (types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, int64(id))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, storage.ErrJobNotFound
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("sqlstore: read job: %w", err)
	}
	return j, nil
}
