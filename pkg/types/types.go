// Package types defines the core domain model shared across iot-deployer.
package types

import (
	"strconv"
	"time"
)

// JobID is the numeric job identifier derived from submission attributes.
type JobID uint64

// String renders the id the way it travels on the wire (decimal).
func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseJobID parses the decimal wire form of a JobID.
func ParseJobID(s string) (JobID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return JobID(v), nil
}

// JobStatus is the lifecycle state of a deployment job.
type JobStatus string

// Job status constants
const (
	StatusScheduled JobStatus = "Scheduled" // reserved on the device timeline, timer armed
	StatusRunning   JobStatus = "Running"   // payload delivered, agent executing
	StatusCompleted JobStatus = "Completed" // log bundle received
	StatusFailed    JobStatus = "Failed"    // dispatch retries exhausted or payload missing
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Device is a deployment target and its booking watermark.
type Device struct {
	ID        string    `json:"deviceId"`
	SenderIP  string    `json:"senderIP"`  // last-seen address of the reporting agent
	FreeAt    time.Time `json:"freeAt"`    // earliest instant the next job may start
	UpdatedAt time.Time `json:"updatedAt"` // last mutation
}

// Job is a deployment unit booked on a device timeline.
type Job struct {
	// identity and payload
	ID            JobID  `json:"jobId"`
	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId"`
	FolderName    string `json:"folderName"`
	DFUUploadName string `json:"dfuUploadName"`
	FilePath      string `json:"filePath"` // payload location, owned by the payload store

	// timeline
	StartTime time.Time `json:"startTime"`
	Duration  int64     `json:"duration"` // seconds reserved on the device timeline

	// state tracking
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`

	// Unix milliseconds, like the rest of the journal
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// DurationValue returns the reserved duration as a time.Duration.
func (j Job) DurationValue() time.Duration {
	return time.Duration(j.Duration) * time.Second
}

// EndTime is the instant the job's reservation ends.
func (j Job) EndTime() time.Time {
	return j.StartTime.Add(j.DurationValue())
}

// SnapshotData is the persisted state of the file-backed store.
type SnapshotData struct {
	Devices   map[string]*Device `json:"devices"`
	Jobs      map[JobID]*Job     `json:"jobs"`
	SchemaVer int                `json:"schema_ver"`
	LastSeq   uint64             `json:"last_seq"`
}
