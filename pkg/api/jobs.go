package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/thetenthbox/gpuq/pkg/auth"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/types"
)

const defaultListLimit = 50

// loadJob fetches the job and enforces owner-or-admin access. On
// failure it writes the response itself and returns false.
func (s *Server) loadJob(w http.ResponseWriter, jobID string, id auth.Identity) (*types.Job, bool) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
		} else {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
			writeError(w, http.StatusInternalServerError, "Internal error")
		}
		return nil, false
	}
	if !id.IsAdmin && job.UserID != id.UserID {
		writeError(w, http.StatusForbidden, "Not authorized to view this job")
		return nil, false
	}
	return job, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.readLimited(w, r) {
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	job, ok := s.loadJob(w, r.PathValue("id"), id)
	if !ok {
		return
	}

	var queuePosition *int
	if job.Status == types.JobStatusPending && job.NodeID != nil {
		if pos, found := s.queue.Position(job.ID, *job.NodeID); found {
			queuePosition = &pos
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":         job.ID,
		"status":         job.Status,
		"node_id":        job.NodeID,
		"queue_position": queuePosition,
		"created_at":     job.CreatedAt,
		"started_at":     job.StartedAt,
		"completed_at":   job.CompletedAt,
		"exit_code":      job.ExitCode,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if !s.readLimited(w, r) {
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	job, ok := s.loadJob(w, r.PathValue("id"), id)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"stdout":       job.Stdout,
		"stderr":       job.Stderr,
		"exit_code":    job.ExitCode,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	jobID := r.PathValue("id")
	job, err := s.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Internal error")
		}
		return
	}
	if !id.IsAdmin && job.UserID != id.UserID {
		writeError(w, http.StatusForbidden, "Not authorized to cancel this job")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusBadRequest, "Job already "+string(job.Status))
		return
	}

	switch job.Status {
	case types.JobStatusPending:
		removed := false
		if job.NodeID != nil {
			removed = s.queue.Remove(jobID, *job.NodeID, job.ExpectedTime)
		}
		if removed {
			now := time.Now().UTC()
			if err := s.store.UpdateJob(jobID, func(j *types.Job) error {
				j.Status = types.JobStatusCancelled
				j.CompletedAt = &now
				return nil
			}); err != nil {
				writeError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": "Job cancelled successfully", "status": "cancelled"})
			return
		}
		// The worker may have just dequeued it; flag the row and let
		// the worker observe the cancellation.
		if err := s.store.UpdateJob(jobID, func(j *types.Job) error {
			j.Status = types.JobStatusCancelled
			return nil
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Job marked for cancellation", "status": "cancelled"})
		return

	case types.JobStatusRunning:
		if err := s.store.UpdateJob(jobID, func(j *types.Job) error {
			j.Status = types.JobStatusCancelled
			return nil
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}

		// Best-effort synchronous kill; the worker's supervision poll
		// is the guaranteed path.
		if job.RemotePID != nil && job.NodeID != nil {
			s.killRemote(*job.NodeID, *job.RemotePID, jobID)
		}

		writeJSON(w, http.StatusOK, map[string]string{"message": "Job cancelled successfully", "status": "cancelled"})
		return
	}
}

// killRemote opens a throwaway session to the node and kills the pid
func (s *Server) killRemote(nodeID, pid int, jobID string) {
	if nodeID < 0 || nodeID >= len(s.cfg.Nodes) {
		return
	}
	executor := s.executors(nodeID, s.cfg.Nodes[nodeID].Address)
	if err := executor.Connect(); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Best-effort kill could not connect")
		return
	}
	defer executor.Disconnect()
	executor.Kill(pid)
	executor.Cleanup(jobID)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.readLimited(w, r) {
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	userFilter := r.URL.Query().Get("user_id")
	if !id.IsAdmin {
		// Non-admins see their own jobs regardless of the query
		userFilter = id.UserID
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := s.store.ListJobs(storage.JobFilter{
		UserID: userFilter,
		Status: types.JobStatus(r.URL.Query().Get("status")),
	}, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": lo.Map(jobs, func(job *types.Job, _ int) map[string]any {
			return map[string]any{
				"job_id":       job.ID,
				"user_id":      job.UserID,
				"status":       job.Status,
				"node_id":      job.NodeID,
				"created_at":   job.CreatedAt,
				"completed_at": job.CompletedAt,
			}
		}),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.queue.Stats()})
}
