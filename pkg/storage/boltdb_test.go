package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thetenthbox/gpuq/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func makeJob(id, user string, status types.JobStatus, createdAt time.Time) *types.Job {
	return &types.Job{
		ID:            id,
		CompetitionID: "comp-1",
		ProjectID:     "proj-1",
		UserID:        user,
		ExpectedTime:  60,
		Status:        status,
		CreatedAt:     createdAt,
	}
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)

	job := makeJob("job-1", "alice", types.JobStatusPending, time.Now().UTC())
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Nil(t, got.NodeID)
	assert.Nil(t, got.ExitCode)
}

func TestGetJobNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobAtomicTransition(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateJob(makeJob("job-1", "alice", types.JobStatusPending, time.Now().UTC())))

	now := time.Now().UTC()
	nodeID := 3
	require.NoError(t, store.UpdateJob("job-1", func(j *types.Job) error {
		j.Status = types.JobStatusRunning
		j.NodeID = &nodeID
		j.StartedAt = &now
		return nil
	}))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, 3, *got.NodeID)
	require.NotNil(t, got.StartedAt)
}

func TestUpdateJobMutatorErrorLeavesRowUnchanged(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateJob(makeJob("job-1", "alice", types.JobStatusPending, time.Now().UTC())))

	err := store.UpdateJob("job-1", func(j *types.Job) error {
		j.Status = types.JobStatusRunning
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
}

func TestListJobsOrderFilterLimit(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	require.NoError(t, store.CreateJob(makeJob("old", "alice", types.JobStatusCompleted, base.Add(-2*time.Hour))))
	require.NoError(t, store.CreateJob(makeJob("mid", "bob", types.JobStatusFailed, base.Add(-1*time.Hour))))
	require.NoError(t, store.CreateJob(makeJob("new", "alice", types.JobStatusPending, base)))

	jobs, err := store.ListJobs(JobFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "new", jobs[0].ID, "newest first")
	assert.Equal(t, "old", jobs[2].ID)

	jobs, err = store.ListJobs(JobFilter{UserID: "alice"}, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.ListJobs(JobFilter{Status: types.JobStatusFailed}, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "mid", jobs[0].ID)

	jobs, err = store.ListJobs(JobFilter{}, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCountActiveJobs(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(makeJob("p", "alice", types.JobStatusPending, now)))
	require.NoError(t, store.CreateJob(makeJob("r", "alice", types.JobStatusRunning, now)))
	require.NoError(t, store.CreateJob(makeJob("c", "alice", types.JobStatusCompleted, now)))
	require.NoError(t, store.CreateJob(makeJob("x", "bob", types.JobStatusRunning, now)))

	count, err := store.CountActiveJobs("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountActiveJobs("carol")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRecoverInterrupted(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(makeJob("p", "alice", types.JobStatusPending, now)))
	require.NoError(t, store.CreateJob(makeJob("r", "bob", types.JobStatusRunning, now)))
	require.NoError(t, store.CreateJob(makeJob("c", "carol", types.JobStatusCompleted, now)))

	touched, err := store.RecoverInterrupted("server restarted")
	require.NoError(t, err)
	assert.Equal(t, 2, touched)

	for _, id := range []string{"p", "r"} {
		job, err := store.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusFailed, job.Status)
		assert.Equal(t, "server restarted", job.Stderr)
		assert.NotNil(t, job.CompletedAt)
	}

	job, err := store.GetJob("c")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

func TestTokenExclusiveCreate(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	first := &types.Token{Fingerprint: "fp-1", UserID: "alice", IsActive: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.CreateToken(first))

	second := &types.Token{Fingerprint: "fp-2", UserID: "alice", IsActive: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.CreateToken(second))

	// Prior active token for the same user was deactivated in the same transaction
	got, err := store.GetToken("fp-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	// Duplicate fingerprints are rejected
	assert.ErrorIs(t, store.CreateToken(second), ErrTokenExists)
}

func TestRevokeToken(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.CreateToken(&types.Token{Fingerprint: "fp", UserID: "alice", IsActive: true, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	require.NoError(t, store.RevokeToken("fp"))
	assert.ErrorIs(t, store.RevokeToken("fp"), ErrNotFound)
	assert.ErrorIs(t, store.RevokeToken("missing"), ErrNotFound)
}

func TestNodeStates(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.InitNodeStates(3))

	state, err := store.GetNodeState(1)
	require.NoError(t, err)
	assert.False(t, state.IsBusy)
	assert.Equal(t, 0, state.TotalQueueTime)

	require.NoError(t, store.UpdateNodeState(1, func(s *types.NodeState) {
		s.IsBusy = true
		s.CurrentJobID = "job-1"
		s.TotalQueueTime = 30
	}))

	state, err = store.GetNodeState(1)
	require.NoError(t, err)
	assert.True(t, state.IsBusy)
	assert.Equal(t, "job-1", state.CurrentJobID)

	// Re-init must not reset existing rows
	require.NoError(t, store.InitNodeStates(3))
	state, err = store.GetNodeState(1)
	require.NoError(t, err)
	assert.True(t, state.IsBusy)

	_, err = store.GetNodeState(9)
	assert.ErrorIs(t, err, ErrNotFound)
}
