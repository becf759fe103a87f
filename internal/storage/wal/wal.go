package wal

// ============================================================================
// WAL core
// Responsibilities:
// 1. Append events to the log file (append-only)
// 2. Replay events to rebuild state
// 3. Rotate the log after a snapshot, optionally gzip-compressing the old file
// 4. Durability and integrity (fsync, CRC32 per event)
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var log = slog.Default()

// FileInterface is the subset of *os.File the WAL writes through.
// It lets tests inject failing files.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options tunes durability and rotation.
type Options struct {
	// SyncOnAppend flushes and fsyncs on every Append. When false, events are
	// buffered until BufferSize or FlushInterval is reached.
	SyncOnAppend    bool
	BufferSize      int
	FlushInterval   time.Duration
	CompressRotated bool
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		SyncOnAppend:  true,
		BufferSize:    1000,
		FlushInterval: time.Second,
	}
}

// WAL is a Write-Ahead Log instance
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

// ============================================================================
// Public API
// ============================================================================

// NewWAL opens or creates the log at path.
//
// An existing log continues numbering after its last readable event. The
// file is opened with O_APPEND so writes never overwrite earlier records.
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if last, err := GetLastEvent(path); err == nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append adds an event to the log.
//
// Behavior:
//   - seq is assigned here, Timestamp defaults to now
//   - the checksum covers the full event
//   - the event is durable on return when SyncOnAppend or forceFlush is set
//
// Returns:
//   - uint64: the sequence number assigned to the event
//   - error: write or fsync failure
func (w *WAL) Append(eventType EventType, event Event, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Type = eventType
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// Flush writes buffered events and fsyncs.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay applies every event in the log to handler, in order.
//
// A checksum mismatch stops replay with a *ChecksumError. A record cut short
// at the very end of the file (crash during write) is dropped with a warning;
// any other undecodable record stops replay with a *CorruptionError.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	return replayReader(file, handler)
}

func replayReader(r io.Reader, handler EventHandler) error {
	decoder := json.NewDecoder(r)
	var lastSeq uint64

	for {
		var event Event
		offset := decoder.InputOffset()
		err := decoder.Decode(&event)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn("wal: dropping truncated tail record", "after_seq", lastSeq, "offset", offset)
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}

		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}

		if err := handler(event); err != nil {
			return &ReplayError{Seq: event.Seq, Type: event.Type, JobID: event.JobID, Err: err}
		}
		lastSeq = event.Seq
	}
}

// Rotate moves the current log aside and starts an empty one.
//
// The old file is renamed to <path>.<timestamp>, and gzip-compressed to
// <path>.<timestamp>.gz when CompressRotated is set.
//
// Returns:
//   - string: path of the archived log
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return "", err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.opts.CompressRotated {
		gzPath := backupPath + ".gz"
		if err := compressWALFile(backupPath, gzPath); err != nil {
			log.Warn("wal: compress rotated log failed", "path", backupPath, "error", err)
			return backupPath, nil
		}
		if err := os.Remove(backupPath); err != nil {
			log.Warn("wal: remove uncompressed log failed", "path", backupPath, "error", err)
		}
		return gzPath, nil
	}
	return backupPath, nil
}

// Close flushes and closes the log. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended event.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// Internal helpers
// ============================================================================

// flushLocked writes buffered events and fsyncs. Caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// compressWALFile gzips srcPath into dstPath.
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		dstFile.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
