package queue

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/metrics"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/types"
)

// Manager owns the per-node FIFO queues and cumulative load counters.
// All operations take the single mutex; every critical section is O(N)
// in either node count or queue length. The in-memory state is
// authoritative; NodeState rows in the store are a mirror.
type Manager struct {
	queues [][]string
	loads  []int
	store  storage.Store
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewManager creates a queue manager for nodeCount nodes
func NewManager(nodeCount int, store storage.Store) *Manager {
	return &Manager{
		queues: make([][]string, nodeCount),
		loads:  make([]int, nodeCount),
		store:  store,
		logger: log.WithComponent("queue"),
	}
}

// Assign places the job on the node with minimum cumulative load,
// lowest index winning ties, and returns that node id.
func (m *Manager) Assign(jobID string, expectedTime int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodeID := 0
	for i := 1; i < len(m.loads); i++ {
		if m.loads[i] < m.loads[nodeID] {
			nodeID = i
		}
	}

	m.queues[nodeID] = append(m.queues[nodeID], jobID)
	m.loads[nodeID] += expectedTime
	m.mirror(nodeID)

	metrics.QueueDepth.WithLabelValues(nodeLabel(nodeID)).Set(float64(len(m.queues[nodeID])))
	metrics.QueueLoad.WithLabelValues(nodeLabel(nodeID)).Set(float64(m.loads[nodeID]))

	m.logger.Debug().
		Str("job_id", jobID).
		Int("node_id", nodeID).
		Int("load", m.loads[nodeID]).
		Msg("Job assigned")
	return nodeID
}

// Dequeue pops the head of the node's queue, if any. Load is not
// decremented here: work in flight still counts toward placement until
// Complete releases it.
func (m *Manager) Dequeue(nodeID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[nodeID]
	if len(q) == 0 {
		return "", false
	}
	jobID := q[0]
	m.queues[nodeID] = q[1:]

	metrics.QueueDepth.WithLabelValues(nodeLabel(nodeID)).Set(float64(len(m.queues[nodeID])))
	return jobID, true
}

// Remove takes a still-queued job out of its node's queue and releases
// its load. Returns false when the job is no longer queued (it may have
// just been dequeued). This is the only load-release path for jobs that
// never ran; Complete covers jobs that did.
func (m *Manager) Remove(jobID string, nodeID, expectedTime int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[nodeID]
	for i, id := range q {
		if id == jobID {
			m.queues[nodeID] = append(q[:i:i], q[i+1:]...)
			m.loads[nodeID] -= expectedTime
			if m.loads[nodeID] < 0 {
				m.loads[nodeID] = 0
			}
			m.mirror(nodeID)
			metrics.QueueDepth.WithLabelValues(nodeLabel(nodeID)).Set(float64(len(m.queues[nodeID])))
			metrics.QueueLoad.WithLabelValues(nodeLabel(nodeID)).Set(float64(m.loads[nodeID]))
			return true
		}
	}
	return false
}

// Complete releases the load of a job that actually ran on the node and
// clears the node's busy marker. Clamped at zero.
func (m *Manager) Complete(nodeID, expectedTime int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads[nodeID] -= expectedTime
	if m.loads[nodeID] < 0 {
		m.loads[nodeID] = 0
	}

	if err := m.store.UpdateNodeState(nodeID, func(state *types.NodeState) {
		state.TotalQueueTime = m.loads[nodeID]
		state.IsBusy = false
		state.CurrentJobID = ""
	}); err != nil {
		m.logger.Error().Err(err).Int("node_id", nodeID).Msg("Failed to mirror node state")
	}

	metrics.QueueLoad.WithLabelValues(nodeLabel(nodeID)).Set(float64(m.loads[nodeID]))
}

// Position returns the 0-indexed position of a queued job, or false
// when the job is not in that node's queue.
func (m *Manager) Position(jobID string, nodeID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, id := range m.queues[nodeID] {
		if id == jobID {
			return i, true
		}
	}
	return 0, false
}

// Stats returns a snapshot of every node's queue
func (m *Manager) Stats() []types.NodeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]types.NodeStats, len(m.queues))
	for i := range m.queues {
		jobs := make([]string, len(m.queues[i]))
		copy(jobs, m.queues[i])
		stats[i] = types.NodeStats{
			NodeID:        i,
			QueueLength:   len(m.queues[i]),
			TotalWaitTime: m.loads[i],
			JobsInQueue:   jobs,
		}
	}
	return stats
}

// NodeCount returns the number of managed queues
func (m *Manager) NodeCount() int {
	return len(m.queues)
}

// mirror writes the node's load into its NodeState row. Callers hold the mutex.
func (m *Manager) mirror(nodeID int) {
	if err := m.store.UpdateNodeState(nodeID, func(state *types.NodeState) {
		state.TotalQueueTime = m.loads[nodeID]
	}); err != nil {
		m.logger.Error().Err(err).Int("node_id", nodeID).Msg("Failed to mirror node state")
	}
}
