package models

import "time"

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the record of one sync run against a destination.
type Job struct {
	ID               string
	DestinationID    string
	Status           JobStatus
	StartTime        time.Time
	EndTime          *time.Time
	ItemsScanned     int64
	ItemsSynced      int64
	ItemsFailed      int64
	BytesTransferred int64
	// AverageSpeed is bytes per second over the whole run, nil until finalized.
	AverageSpeed *float64
}

// ErrorEntry is one failure recorded against a job. Entries are
// append-only; only RetryCount is ever updated.
type ErrorEntry struct {
	ID         string
	JobID      string
	ItemID     string
	Message    string
	Category   string
	Retryable  bool
	Timestamp  time.Time
	RetryCount int
}
