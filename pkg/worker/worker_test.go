package worker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/queue"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

// fakeExecutor scripts the remote side of a job
type fakeExecutor struct {
	mu sync.Mutex

	connectErr  error
	launchErr   error
	fetchErr    error
	results     string
	stderr      string
	alivePolls  int // how many supervision polls report the process alive
	pid         int
	killedPIDs  []int
	cleanedJobs []string
	restarts    []string
}

func (f *fakeExecutor) Connect() error        { return f.connectErr }
func (f *fakeExecutor) Disconnect()           {}
func (f *fakeExecutor) EnsureConnected() error { return nil }

func (f *fakeExecutor) Launch(jobID, localScript, competitionID string) (int, error) {
	if f.launchErr != nil {
		return 0, f.launchErr
	}
	if f.pid == 0 {
		f.pid = 4242
	}
	return f.pid, nil
}

func (f *fakeExecutor) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alivePolls > 0 {
		f.alivePolls--
		return true
	}
	return false
}

func (f *fakeExecutor) Kill(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedPIDs = append(f.killedPIDs, pid)
	return true
}

func (f *fakeExecutor) FetchOutputs(jobID string, attempts int) (string, string, string, error) {
	if f.fetchErr != nil {
		return "", "", "", f.fetchErr
	}
	return f.results, "", f.stderr, nil
}

func (f *fakeExecutor) Cleanup(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedJobs = append(f.cleanedJobs, jobID)
}

func (f *fakeExecutor) RestartContainer(name string, warmup time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return nil
}

func (f *fakeExecutor) killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int{}, f.killedPIDs...)
}

type fixture struct {
	cfg   *config.Config
	store storage.Store
	queue *queue.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Nodes = []config.Node{{ID: 0, Address: "10.0.0.1"}}
	cfg.JobsDir = t.TempDir()
	cfg.PollInterval = 1
	cfg.FetchAttempts = 1

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitNodeStates(1))

	return &fixture{cfg: cfg, store: store, queue: queue.NewManager(1, store)}
}

func (fx *fixture) enqueueJob(t *testing.T, id string, expectedTime int) {
	t.Helper()
	require.NoError(t, fx.store.CreateJob(&types.Job{
		ID:            id,
		CompetitionID: "comp-1",
		ProjectID:     "proj-1",
		UserID:        "alice",
		ExpectedTime:  expectedTime,
		Status:        types.JobStatusPending,
		CreatedAt:     time.Now().UTC(),
	}))
	nodeID := fx.queue.Assign(id, expectedTime)
	require.NoError(t, fx.store.UpdateJob(id, func(j *types.Job) error {
		j.NodeID = &nodeID
		return nil
	}))
}

// waitLoadReleased polls until the node's queue load drains; Complete
// runs shortly after the terminal write.
func (fx *fixture) waitLoadReleased(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fx.queue.Stats()[0].TotalWaitTime == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 0, fx.queue.Stats()[0].TotalWaitTime)
}

func (fx *fixture) waitTerminal(t *testing.T, id string, within time.Duration) *types.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		job, err := fx.store.GetJob(id)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %v", id, within)
	return nil
}

func TestHappyPath(t *testing.T) {
	fx := newFixture(t)
	exec := &fakeExecutor{results: "{\"score\": 1.0}\n", alivePolls: 1}

	fx.enqueueJob(t, "job-1", 60)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	job := fx.waitTerminal(t, "job-1", 10*time.Second)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.Contains(t, job.Stdout, "score")
	require.NotNil(t, job.NodeID)
	assert.Equal(t, 0, *job.NodeID)
	require.NotNil(t, job.RemotePID)
	assert.Equal(t, 4242, *job.RemotePID)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))

	// Cleanup follows the terminal write shortly after
	cleanupDeadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(cleanupDeadline) {
		exec.mu.Lock()
		n := len(exec.cleanedJobs)
		exec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	exec.mu.Lock()
	assert.Contains(t, exec.cleanedJobs, "job-1")
	exec.mu.Unlock()

	// Load released exactly once
	fx.waitLoadReleased(t)

	state, err := fx.store.GetNodeState(0)
	require.NoError(t, err)
	assert.False(t, state.IsBusy)
}

func TestConnectFailure(t *testing.T) {
	fx := newFixture(t)
	exec := &fakeExecutor{connectErr: fmt.Errorf("no route to host")}

	fx.enqueueJob(t, "job-1", 60)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	job := fx.waitTerminal(t, "job-1", 10*time.Second)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.Stderr, "Failed to connect")
	assert.Nil(t, job.ExitCode)
	fx.waitLoadReleased(t)
}

func TestLaunchFailure(t *testing.T) {
	fx := newFixture(t)
	exec := &fakeExecutor{launchErr: fmt.Errorf("interpreter missing")}

	fx.enqueueJob(t, "job-1", 60)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	job := fx.waitTerminal(t, "job-1", 10*time.Second)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.Stderr, "Failed to start job")
	fx.waitLoadReleased(t)
}

func TestTimeoutKillsProcess(t *testing.T) {
	fx := newFixture(t)
	// Process never exits on its own; expected_time=1 with the default
	// multiplier gives a 2 second wall clock.
	exec := &fakeExecutor{alivePolls: 1 << 30, results: "partial\n"}

	fx.enqueueJob(t, "job-1", 1)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	job := fx.waitTerminal(t, "job-1", 15*time.Second)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.Stderr, "timeout")
	assert.Equal(t, []int{4242}, exec.killed())
	// Partial output is still reaped
	assert.Contains(t, job.Stdout, "partial")
}

func TestCancellationObserved(t *testing.T) {
	fx := newFixture(t)
	exec := &fakeExecutor{alivePolls: 1 << 30}

	fx.enqueueJob(t, "job-1", 120)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	// Wait until running, then flip the cancellation flag like the API does
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := fx.store.GetJob("job-1")
		require.NoError(t, err)
		if job.Status == types.JobStatusRunning {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, fx.store.UpdateJob("job-1", func(j *types.Job) error {
		j.Status = types.JobStatusCancelled
		return nil
	}))

	job := fx.waitTerminal(t, "job-1", 10*time.Second)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
	assert.NotEmpty(t, exec.killed())
	assert.Nil(t, job.ExitCode)
	fx.waitLoadReleased(t)
}

func TestCancelledBeforeStart(t *testing.T) {
	fx := newFixture(t)
	exec := &fakeExecutor{}

	fx.enqueueJob(t, "job-1", 60)
	// Cancel raced with dequeue: Remove missed, row already flagged
	require.NoError(t, fx.store.UpdateJob("job-1", func(j *types.Job) error {
		j.Status = types.JobStatusCancelled
		return nil
	}))

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	job := fx.waitTerminal(t, "job-1", 10*time.Second)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)
	// Never connected, never launched
	assert.Nil(t, job.RemotePID)
	fx.waitLoadReleased(t)
}

func TestFetchFailureFailsJob(t *testing.T) {
	fx := newFixture(t)
	exec := &fakeExecutor{alivePolls: 1, fetchErr: fmt.Errorf("transport gone")}

	fx.enqueueJob(t, "job-1", 60)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	job := fx.waitTerminal(t, "job-1", 10*time.Second)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.Stderr, "Failed to retrieve job output")
	fx.waitLoadReleased(t)
}

func TestContainerRestartBetweenJobs(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.Container.RestartBetweenJobs = true
	fx.cfg.Container.RestartWaitSeconds = 0
	exec := &fakeExecutor{alivePolls: 1, results: "done\n"}

	fx.enqueueJob(t, "job-1", 60)

	w := NewWorker(0, fx.cfg, fx.store, fx.queue, exec)
	w.Start()
	defer w.Stop()

	fx.waitTerminal(t, "job-1", 10*time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		exec.mu.Lock()
		n := len(exec.restarts)
		exec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, []string{"gpu-node-0"}, exec.restarts)
}
