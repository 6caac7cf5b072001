package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/metrics"
	"github.com/thetenthbox/gpuq/pkg/queue"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/types"
)

const idlePoll = 1 * time.Second

// Executor is the remote-execution surface the worker drives. The
// concrete implementation is sshexec.Executor; tests substitute fakes.
type Executor interface {
	Connect() error
	Disconnect()
	EnsureConnected() error
	Launch(jobID, localScript, competitionID string) (int, error)
	IsAlive(pid int) bool
	Kill(pid int) bool
	FetchOutputs(jobID string, attempts int) (string, string, string, error)
	Cleanup(jobID string)
	RestartContainer(name string, warmup time.Duration) error
}

// Worker consumes one node's queue and drives each job through its
// lifecycle. Jobs on a node run strictly sequentially; the executor is
// never shared across jobs concurrently.
type Worker struct {
	nodeID   int
	cfg      *config.Config
	store    storage.Store
	queue    *queue.Manager
	executor Executor
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewWorker creates the worker for one node
func NewWorker(nodeID int, cfg *config.Config, store storage.Store, qm *queue.Manager, executor Executor) *Worker {
	return &Worker{
		nodeID:   nodeID,
		cfg:      cfg,
		store:    store,
		queue:    qm,
		executor: executor,
		logger:   log.WithNodeID(nodeID),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the worker loop
func (w *Worker) Start() {
	go w.run()
}

// Stop stops the worker after the current job finishes
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) run() {
	w.logger.Info().Msg("Worker started")
	for {
		select {
		case <-w.stopCh:
			w.logger.Info().Msg("Worker stopped")
			return
		default:
		}

		jobID, ok := w.queue.Dequeue(w.nodeID)
		if !ok {
			time.Sleep(idlePoll)
			continue
		}
		w.process(jobID)
	}
}

// process drives a single dequeued job to a terminal state. Once the
// job row is loaded, every exit path releases the node's queue load
// exactly once via Complete; a dequeued id whose row cannot be loaded is
// logged and skipped, and its load is not released.
func (w *Worker) process(jobID string) {
	logger := w.logger.With().Str("job_id", jobID).Logger()

	job, err := w.store.GetJob(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("Dequeued job not found in store")
		return
	}
	defer w.queue.Complete(w.nodeID, job.ExpectedTime)

	// Cancelled between queueing and dequeue, after Remove lost the race
	if job.Status == types.JobStatusCancelled {
		logger.Info().Msg("Job cancelled before start")
		w.finalize(jobID, types.JobStatusCancelled, "", "", nil, "Cancelled before start")
		return
	}

	now := time.Now().UTC()
	nodeID := w.nodeID
	if err := w.store.UpdateJob(jobID, func(j *types.Job) error {
		j.Status = types.JobStatusRunning
		j.NodeID = &nodeID
		j.StartedAt = &now
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job running")
		return
	}
	if err := w.store.UpdateNodeState(w.nodeID, func(s *types.NodeState) {
		s.IsBusy = true
		s.CurrentJobID = jobID
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark node busy")
	}

	logger.Info().Msg("Starting job")

	if err := w.executor.Connect(); err != nil {
		logger.Error().Err(err).Msg("Connect failed")
		w.finalize(jobID, types.JobStatusFailed, "", "", nil, "Failed to connect to compute node")
		return
	}
	defer w.executor.Disconnect()

	pid, err := w.executor.Launch(jobID, job.CodePath, job.CompetitionID)
	if err != nil {
		logger.Error().Err(err).Msg("Launch failed")
		w.finalize(jobID, types.JobStatusFailed, "", "", nil, "Failed to start job on compute node")
		return
	}

	if err := w.store.UpdateJob(jobID, func(j *types.Job) error {
		j.RemotePID = &pid
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist remote pid")
	}

	outcome := w.supervise(jobID, pid, job.ExpectedTime, now, logger)
	w.reap(jobID, job, outcome, logger)
}

// superviseOutcome is the result of the supervision loop
type superviseOutcome struct {
	status     types.JobStatus // terminal status the reap should write
	diagnostic string          // stderr text when the run did not complete
}

// supervise polls the remote process until it exits, times out or is
// cancelled. The transport is revalidated every poll so a dropped
// session is recovered rather than mistaken for process exit.
func (w *Worker) supervise(jobID string, pid, expectedTime int, startedAt time.Time, logger zerolog.Logger) superviseOutcome {
	timeout := time.Duration(expectedTime*w.cfg.Limits.TimeoutMultiplier) * time.Second
	ticker := time.NewTicker(w.cfg.PollIntervalDuration())
	defer ticker.Stop()

	for range ticker.C {
		if err := w.executor.EnsureConnected(); err != nil {
			logger.Warn().Err(err).Msg("Transport unavailable, retrying")
			continue
		}

		if !w.executor.IsAlive(pid) {
			return superviseOutcome{status: types.JobStatusCompleted}
		}

		if time.Since(startedAt) > timeout {
			logger.Warn().Dur("timeout", timeout).Msg("Job timed out, killing process")
			w.executor.Kill(pid)
			return superviseOutcome{
				status:     types.JobStatusFailed,
				diagnostic: fmt.Sprintf("Job exceeded timeout (%ds)", int(timeout.Seconds())),
			}
		}

		job, err := w.store.GetJob(jobID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to re-read job during supervision")
			continue
		}
		if job.Status == types.JobStatusCancelled {
			logger.Info().Msg("Cancellation observed, killing process")
			w.executor.Kill(pid)
			return superviseOutcome{status: types.JobStatusCancelled}
		}
	}
	return superviseOutcome{status: types.JobStatusFailed, diagnostic: "supervision interrupted"}
}

// reap fetches outputs, persists the terminal state and cleans up
func (w *Worker) reap(jobID string, job *types.Job, outcome superviseOutcome, logger zerolog.Logger) {
	results, _, stderr, err := w.executor.FetchOutputs(jobID, w.cfg.FetchAttempts)
	if err != nil {
		logger.Error().Err(err).Msg("Output fetch exhausted")
		w.finalize(jobID, types.JobStatusFailed, "", "", nil, fmt.Sprintf("Failed to retrieve job output: %v", err))
		w.executor.Cleanup(jobID)
		return
	}

	var exitCode *int
	diagnostic := outcome.diagnostic
	if diagnostic == "" {
		diagnostic = stderr
	}
	if outcome.status == types.JobStatusCompleted {
		zero := 0
		exitCode = &zero
	}

	w.finalize(jobID, outcome.status, results, stderr, exitCode, diagnostic)

	if results != "" && outcome.status == types.JobStatusCompleted {
		w.mirrorResults(job, results, logger)
	}

	w.executor.Cleanup(jobID)

	if w.cfg.Container.RestartBetweenJobs {
		name := fmt.Sprintf("%s-%d", w.cfg.Container.NamePrefix, w.nodeID)
		warmup := time.Duration(w.cfg.Container.RestartWaitSeconds) * time.Second
		if err := w.executor.RestartContainer(name, warmup); err != nil {
			logger.Warn().Err(err).Str("container", name).Msg("Container restart failed")
		}
	}

	logger.Info().Str("status", string(outcome.status)).Msg("Job finished")
}

// finalize writes the terminal state in one transaction and records metrics
func (w *Worker) finalize(jobID string, status types.JobStatus, stdout, stderr string, exitCode *int, diagnostic string) {
	now := time.Now().UTC()
	var started *time.Time
	err := w.store.UpdateJob(jobID, func(j *types.Job) error {
		// A cancel handler may have already flipped the status; keep
		// cancelled sticky so a concurrent completion cannot undo it.
		if j.Status == types.JobStatusCancelled && status != types.JobStatusCancelled {
			status = types.JobStatusCancelled
		}
		j.Status = status
		j.Stdout = stdout
		if diagnostic != "" && status != types.JobStatusCompleted {
			j.Stderr = diagnostic
		} else {
			j.Stderr = stderr
		}
		j.ExitCode = exitCode
		j.CompletedAt = &now
		started = j.StartedAt
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize job")
	}

	metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	if started != nil {
		metrics.JobDuration.Observe(now.Sub(*started).Seconds())
	}
}

// mirrorResults writes a local copy of the results blob for completed runs
func (w *Worker) mirrorResults(job *types.Job, results string, logger zerolog.Logger) {
	dir := filepath.Join(w.cfg.JobsDir, "results")
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn().Err(err).Msg("Failed to create results dir")
		return
	}
	name := fmt.Sprintf("%s_%s_%s.jsonl", job.UserID, job.CompetitionID, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(results), 0644); err != nil {
		logger.Warn().Err(err).Msg("Failed to mirror results locally")
		return
	}
	logger.Info().Str("path", path).Msg("Results mirrored")
}
