package worker

import (
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/queue"
	"github.com/thetenthbox/gpuq/pkg/storage"
)

// ExecutorFactory builds the remote executor for one node. Production
// wiring returns sshexec.Executor; tests return fakes.
type ExecutorFactory func(nodeID int, nodeAddr string) Executor

// Pool owns one worker per configured node
type Pool struct {
	workers []*Worker
}

// NewPool creates workers for every node in the configuration
func NewPool(cfg *config.Config, store storage.Store, qm *queue.Manager, factory ExecutorFactory) *Pool {
	pool := &Pool{}
	for _, node := range cfg.Nodes {
		executor := factory(node.ID, node.Address)
		pool.workers = append(pool.workers, NewWorker(node.ID, cfg, store, qm, executor))
	}
	return pool
}

// Start starts all workers
func (p *Pool) Start() {
	for _, w := range p.workers {
		w.Start()
	}
	logger := log.WithComponent("worker")
	logger.Info().Int("count", len(p.workers)).Msg("All workers started")
}

// Stop stops all workers
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	logger := log.WithComponent("worker")
	logger.Info().Msg("All workers stopped")
}
