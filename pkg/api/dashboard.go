package api

import (
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/thetenthbox/gpuq/pkg/storage"
	"github.com/thetenthbox/gpuq/pkg/types"
)

const successRateWindow = 100

// handleDashboard aggregates live system state: job statistics,
// per-node queue information, active and recent jobs, and health
// metrics. Admins see everything; other users see their own slice.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.readLimited(w, r) {
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	filter := storage.JobFilter{}
	if !id.IsAdmin {
		filter.UserID = id.UserID
	}
	allJobs, err := s.store.ListJobs(filter, 0)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list jobs for dashboard")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	byStatus := lo.CountValuesBy(allJobs, func(job *types.Job) types.JobStatus {
		return job.Status
	})
	jobStats := map[string]int{
		"total":     len(allJobs),
		"pending":   byStatus[types.JobStatusPending],
		"running":   byStatus[types.JobStatusRunning],
		"completed": byStatus[types.JobStatusCompleted],
		"failed":    byStatus[types.JobStatusFailed],
		"cancelled": byStatus[types.JobStatusCancelled],
	}

	userStats := map[string]map[string]int{}
	if id.IsAdmin {
		for userID, jobs := range lo.GroupBy(allJobs, func(job *types.Job) string { return job.UserID }) {
			perStatus := lo.CountValuesBy(jobs, func(job *types.Job) types.JobStatus { return job.Status })
			userStats[userID] = map[string]int{
				"total":     len(jobs),
				"pending":   perStatus[types.JobStatusPending],
				"running":   perStatus[types.JobStatusRunning],
				"completed": perStatus[types.JobStatusCompleted],
				"failed":    perStatus[types.JobStatusFailed],
			}
		}
	}

	nodeStats := s.queue.Stats()

	runningByNode := map[int]*types.Job{}
	for _, job := range allJobs {
		if job.Status == types.JobStatusRunning && job.NodeID != nil {
			runningByNode[*job.NodeID] = job
		}
	}

	busyNodes := 0
	totalQueueTime := 0
	queueInfo := lo.Map(nodeStats, func(stats types.NodeStats, _ int) map[string]any {
		current := runningByNode[stats.NodeID]
		isBusy := current != nil
		if isBusy {
			busyNodes++
		}
		totalQueueTime += stats.TotalWaitTime

		var currentJob map[string]any
		if current != nil {
			currentJob = map[string]any{
				"job_id":         current.ID,
				"user_id":        current.UserID,
				"competition_id": current.CompetitionID,
				"started_at":     current.StartedAt,
			}
		}
		return map[string]any{
			"node_id":            stats.NodeID,
			"queue_size":         stats.QueueLength,
			"queue_time_seconds": stats.TotalWaitTime,
			"is_busy":            isBusy,
			"current_job":        currentJob,
		}
	})

	activeJobs := lo.Filter(allJobs, func(job *types.Job, _ int) bool {
		return job.Status.Active()
	})
	activeData := lo.Map(activeJobs, func(job *types.Job, _ int) map[string]any {
		var queuePosition *int
		if job.Status == types.JobStatusPending && job.NodeID != nil {
			if pos, found := s.queue.Position(job.ID, *job.NodeID); found {
				queuePosition = &pos
			}
		}
		return map[string]any{
			"job_id":         job.ID,
			"user_id":        job.UserID,
			"competition_id": job.CompetitionID,
			"status":         job.Status,
			"node_id":        job.NodeID,
			"expected_time":  job.ExpectedTime,
			"created_at":     job.CreatedAt,
			"started_at":     job.StartedAt,
			"queue_position": queuePosition,
		}
	})

	recentJobs := allJobs
	if len(recentJobs) > 10 {
		recentJobs = recentJobs[:10] // ListJobs orders created-desc
	}
	recentData := lo.Map(recentJobs, func(job *types.Job, _ int) map[string]any {
		var duration *float64
		if job.StartedAt != nil && job.CompletedAt != nil {
			d := job.CompletedAt.Sub(*job.StartedAt).Seconds()
			duration = &d
		}
		return map[string]any{
			"job_id":           job.ID,
			"user_id":          job.UserID,
			"competition_id":   job.CompetitionID,
			"status":           job.Status,
			"node_id":          job.NodeID,
			"created_at":       job.CreatedAt,
			"started_at":       job.StartedAt,
			"completed_at":     job.CompletedAt,
			"duration_seconds": duration,
		}
	})

	healthMetrics := s.healthMetrics(len(nodeStats), busyNodes, totalQueueTime, len(activeJobs), allJobs)

	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":         time.Now().UTC(),
		"user_id":           id.UserID,
		"is_admin":          id.IsAdmin,
		"job_statistics":    jobStats,
		"user_statistics":   userStats,
		"node_statistics":   nodeStats,
		"queue_information": queueInfo,
		"active_jobs":       activeData,
		"recent_jobs":       recentData,
		"health_metrics":    healthMetrics,
	})
}

func (s *Server) healthMetrics(totalNodes, busyNodes, totalQueueTime, activeCount int, visible []*types.Job) map[string]any {
	utilization := 0.0
	avgQueueTime := 0.0
	if totalNodes > 0 {
		utilization = float64(busyNodes) / float64(totalNodes) * 100
		avgQueueTime = float64(totalQueueTime) / float64(totalNodes)
	}

	// Success rate over the most recent terminal jobs, all users
	terminal, err := s.store.ListJobs(storage.JobFilter{}, 0)
	if err != nil {
		terminal = nil
	}
	terminal = lo.Filter(terminal, func(job *types.Job, _ int) bool {
		return job.Status == types.JobStatusCompleted || job.Status == types.JobStatusFailed
	})
	if len(terminal) > successRateWindow {
		terminal = terminal[:successRateWindow]
	}
	successRate := 0.0
	if len(terminal) > 0 {
		completed := lo.CountBy(terminal, func(job *types.Job) bool {
			return job.Status == types.JobStatusCompleted
		})
		successRate = float64(completed) / float64(len(terminal)) * 100
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	last24h := lo.CountBy(visible, func(job *types.Job) bool {
		return job.CreatedAt.After(cutoff)
	})

	return map[string]any{
		"node_utilization_percent":   round1(utilization),
		"average_queue_time_seconds": round1(avgQueueTime),
		"total_active_jobs":          activeCount,
		"success_rate_percent":       round1(successRate),
		"jobs_last_24h":              last24h,
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
