package wal

// ============================================================================
// WAL utilities
// Responsibility: read-only inspection of log files
// ============================================================================

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// GetLastEvent scans the log and returns the last readable event.
// Returns ErrEmptyWAL when the file holds no event.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := readEvents(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of valid events in the log.
func CountEvents(path string) (int, error) {
	n := 0
	err := readEvents(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks checksums and that seq increases by one per event.
func ValidateWAL(path string) error {
	var lastSeq uint64
	return readEvents(path, func(event Event) error {
		if lastSeq != 0 && event.Seq != lastSeq+1 {
			return fmt.Errorf("wal: seq gap: %d follows %d", event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
}

// DumpWAL writes one human readable line per event to w.
func DumpWAL(path string, w io.Writer) error {
	return readEvents(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s job=%s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, event.JobID,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
}

// WALStats summarizes a log file.
type WALStats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
	TimeRange   [2]int64 // earliest and latest timestamp
}

// GetWALStats scans the log and collects WALStats.
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := readEvents(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// readEvents decodes a plain or gzip-compressed (.gz) log.
func readEvents(path string, fn EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return &CorruptionError{Cause: err}
		}
		defer gz.Close()
		r = gz
	}
	return replayReader(r, fn)
}
