package types

import (
	"time"
)

// Job represents a single user submission from creation to terminal state
type Job struct {
	ID            string     `json:"job_id"`
	CompetitionID string     `json:"competition_id"`
	ProjectID     string     `json:"project_id"`
	UserID        string     `json:"user_id"`
	ExpectedTime  int        `json:"expected_time"` // seconds, drives placement and timeout
	TokenHash     string     `json:"token_hash"`
	Status        JobStatus  `json:"status"`
	NodeID        *int       `json:"node_id"` // nil until placement
	CodePath      string     `json:"code_path"`
	ConfigPath    string     `json:"config_path"`
	RemotePID     *int       `json:"remote_pid"` // nil until launch
	Stdout        string     `json:"stdout"`
	Stderr        string     `json:"stderr"`
	ExitCode      *int       `json:"exit_code"` // set iff completed
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job counts toward the per-user concurrency gate
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Token is an issued bearer credential, stored by fingerprint only
type Token struct {
	Fingerprint string    `json:"token_hash"` // sha256 of the plaintext
	UserID      string    `json:"user_id"`
	IsAdmin     bool      `json:"is_admin"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NodeState mirrors one node's in-memory queue counters into the store.
// The queue manager is authoritative; these rows are a cache.
type NodeState struct {
	NodeID         int    `json:"node_id"`
	CurrentJobID   string `json:"current_job_id"`
	TotalQueueTime int    `json:"total_queue_time"` // seconds
	IsBusy         bool   `json:"is_busy"`
}

// NodeStats is a point-in-time snapshot of one node's queue
type NodeStats struct {
	NodeID        int      `json:"node_id"`
	QueueLength   int      `json:"queue_length"`
	TotalWaitTime int      `json:"total_wait_time"` // seconds
	JobsInQueue   []string `json:"jobs_in_queue"`
}

// SubmissionConfig is the YAML descriptor that accompanies submitted code
type SubmissionConfig struct {
	CompetitionID string `yaml:"competition_id"`
	ProjectID     string `yaml:"project_id"`
	UserID        string `yaml:"user_id"`
	ExpectedTime  int    `yaml:"expected_time"` // seconds, >= 1
	Token         string `yaml:"token"`
}

// ScanReport is the code vetter's verdict on a submission
type ScanReport struct {
	Safe        bool     `json:"safe"`
	Relevant    bool     `json:"relevant"`
	Issues      []string `json:"issues"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
}
