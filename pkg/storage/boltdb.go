package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/thetenthbox/gpuq/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs      = []byte("jobs")
	bucketTokens    = []byte("tokens")
	bucketNodeState = []byte("node_state")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gpuq.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketTokens,
			bucketNodeState,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(id string, mutate func(*types.Job) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) ListJobs(filter JobFilter, limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if filter.UserID != "" && job.UserID != filter.UserID {
				return nil
			}
			if filter.Status != "" && job.Status != filter.Status {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *BoltStore) CountActiveJobs(userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.UserID == userID && job.Status.Active() {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) RecoverInterrupted(diagnostic string) (int, error) {
	touched := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !job.Status.Active() {
				continue
			}
			now := nowUTC()
			job.Status = types.JobStatusFailed
			job.Stderr = diagnostic
			job.CompletedAt = &now
			out, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := b.Put(k, out); err != nil {
				return err
			}
			touched++
		}
		return nil
	})
	return touched, err
}

// Token operations

func (s *BoltStore) CreateToken(token *types.Token) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)

		if b.Get([]byte(token.Fingerprint)) != nil {
			return ErrTokenExists
		}

		// One active token per user: deactivate the rest first
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing types.Token
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.UserID == token.UserID && existing.IsActive {
				existing.IsActive = false
				out, err := json.Marshal(&existing)
				if err != nil {
					return err
				}
				if err := b.Put(k, out); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put([]byte(token.Fingerprint), data)
	})
}

func (s *BoltStore) GetToken(fingerprint string) (*types.Token, error) {
	var token types.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) RevokeToken(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return ErrNotFound
		}
		var token types.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		// Revoking an already-inactive row is a no-op reported as missing
		if !token.IsActive {
			return ErrNotFound
		}
		token.IsActive = false
		out, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		return b.Put([]byte(fingerprint), out)
	})
}

func (s *BoltStore) ListTokens() ([]*types.Token, error) {
	var tokens []*types.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.Token
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, &token)
			return nil
		})
	})
	return tokens, err
}

// Node state operations

func nodeKey(nodeID int) []byte {
	return []byte(strconv.Itoa(nodeID))
}

func (s *BoltStore) InitNodeStates(count int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeState)
		for i := 0; i < count; i++ {
			if b.Get(nodeKey(i)) != nil {
				continue
			}
			state := &types.NodeState{NodeID: i}
			data, err := json.Marshal(state)
			if err != nil {
				return err
			}
			if err := b.Put(nodeKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetNodeState(nodeID int) (*types.NodeState, error) {
	var state types.NodeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeState)
		data := b.Get(nodeKey(nodeID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) UpdateNodeState(nodeID int, mutate func(*types.NodeState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeState)
		data := b.Get(nodeKey(nodeID))
		if data == nil {
			return ErrNotFound
		}
		var state types.NodeState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		mutate(&state)
		out, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(nodeID), out)
	})
}
