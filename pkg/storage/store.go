package storage

import (
	"errors"

	"github.com/thetenthbox/gpuq/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrTokenExists is returned when a token fingerprint is already present
	ErrTokenExists = errors.New("token already exists")
)

// JobFilter narrows ListJobs results. Zero values mean "any".
type JobFilter struct {
	UserID string
	Status types.JobStatus
}

// Store defines the interface for durable job, token and node-state records.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	// UpdateJob applies mutate to the current row and writes the result in
	// one transaction, keeping status transitions atomic with the
	// timestamps they imply.
	UpdateJob(id string, mutate func(*types.Job) error) error
	ListJobs(filter JobFilter, limit int) ([]*types.Job, error)
	CountActiveJobs(userID string) (int, error)
	// RecoverInterrupted marks jobs left pending or running by a previous
	// process as failed. Returns the number of rows touched.
	RecoverInterrupted(diagnostic string) (int, error)

	// Tokens
	// CreateToken deactivates any active tokens for the same user and
	// inserts the new row, all in one transaction. Returns ErrTokenExists
	// when the fingerprint is already present.
	CreateToken(token *types.Token) error
	GetToken(fingerprint string) (*types.Token, error)
	// RevokeToken marks the row inactive. Returns ErrNotFound when absent.
	RevokeToken(fingerprint string) error
	ListTokens() ([]*types.Token, error)

	// Node state
	InitNodeStates(count int) error
	GetNodeState(nodeID int) (*types.NodeState, error)
	UpdateNodeState(nodeID int, mutate func(*types.NodeState)) error

	Close() error
}
