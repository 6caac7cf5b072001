package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thetenthbox/gpuq/pkg/auth"
	"github.com/thetenthbox/gpuq/pkg/metrics"
	"github.com/thetenthbox/gpuq/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	submitPollInterval = 500 * time.Millisecond
	maxUploadBytes     = 10 << 20
)

// terminalResponse is the /api/submit payload once the job finished
type terminalResponse struct {
	JobID       string     `json:"job_id"`
	NodeID      *int       `json:"node_id"`
	Status      string     `json:"status"`
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	ExitCode    *int       `json:"exit_code"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// handleSubmit accepts a multipart submission, admits it through the
// full pipeline and waits (bounded) for the job to finish.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Per-address protection before any work
	if decision := s.addrSubmitLimit.Check(remoteAddr(r)); !decision.Allowed {
		metrics.JobsRejected.WithLabelValues("endpoint_limit").Inc()
		writeError(w, http.StatusTooManyRequests, decision.Message)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	codeContent, ok := formFile(w, r, "code")
	if !ok {
		return
	}
	configContent, ok := formFile(w, r, "config_file")
	if !ok {
		return
	}

	var subCfg types.SubmissionConfig
	if err := yaml.Unmarshal(configContent, &subCfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid YAML format: %v", err))
		return
	}
	if field, missing := missingField(&subCfg); missing {
		writeError(w, http.StatusBadRequest, "Missing required field: "+field)
		return
	}
	if subCfg.ExpectedTime < 1 {
		writeError(w, http.StatusBadRequest, "expected_time must be a positive number of seconds")
		return
	}

	id, err := s.auth.Validate(subCfg.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	// The declared user id must match the token's bound user
	if id.UserID != subCfg.UserID {
		writeError(w, http.StatusForbidden, "Token does not belong to specified user_id")
		return
	}

	if s.cfg.Scanner.Enabled {
		report := s.scanner.Scan(r.Context(), string(codeContent), subCfg.CompetitionID)
		if !report.Safe {
			metrics.JobsRejected.WithLabelValues("unsafe_code").Inc()
			writeError(w, http.StatusBadRequest, "Code security check failed: "+strings.Join(report.Issues, ", "))
			return
		}
		if !report.Relevant {
			metrics.JobsRejected.WithLabelValues("irrelevant_code").Inc()
			writeError(w, http.StatusBadRequest, "Code does not appear relevant to ML competition: "+report.Explanation)
			return
		}
	}

	if decision := s.userSubmitLimit.Check(id.UserID); !decision.Allowed {
		metrics.JobsRejected.WithLabelValues("rate_limit").Inc()
		writeError(w, http.StatusTooManyRequests, decision.Message)
		return
	}

	active, err := s.store.CountActiveJobs(id.UserID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count active jobs")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if active >= s.cfg.Limits.MaxActivePerUser {
		metrics.JobsRejected.WithLabelValues("queue_limit").Inc()
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf(
			"Queue limit exceeded. You already have %d job(s) in progress. Maximum %d job per user allowed.",
			active, s.cfg.Limits.MaxActivePerUser))
		return
	}

	jobID := uuid.New().String()

	codePath, configPath, err := s.persistArtifacts(jobID, codeContent, configContent)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist artifacts")
		writeError(w, http.StatusInternalServerError, "Error submitting job")
		return
	}

	job := &types.Job{
		ID:            jobID,
		CompetitionID: subCfg.CompetitionID,
		ProjectID:     subCfg.ProjectID,
		UserID:        subCfg.UserID,
		ExpectedTime:  subCfg.ExpectedTime,
		TokenHash:     auth.Fingerprint(subCfg.Token),
		Status:        types.JobStatusPending,
		CodePath:      codePath,
		ConfigPath:    configPath,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateJob(job); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to create job")
		writeError(w, http.StatusInternalServerError, "Error submitting job")
		return
	}

	nodeID := s.queue.Assign(jobID, job.ExpectedTime)
	if err := s.store.UpdateJob(jobID, func(j *types.Job) error {
		j.NodeID = &nodeID
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record node assignment")
	}

	metrics.JobsSubmitted.Inc()
	s.logger.Info().
		Str("job_id", jobID).
		Str("user_id", id.UserID).
		Int("node_id", nodeID).
		Msg("Job submitted")

	s.waitForJob(w, r, jobID, nodeID)
}

// waitForJob polls the job row until it is terminal, the bounded wait
// expires, or the client goes away.
func (s *Server) waitForJob(w http.ResponseWriter, r *http.Request, jobID string, nodeID int) {
	deadline := time.NewTimer(s.cfg.SubmitWaitDuration())
	defer deadline.Stop()
	ticker := time.NewTicker(submitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client disconnected; the job keeps running regardless
			return
		case <-deadline.C:
			job, err := s.store.GetJob(jobID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"job_id":  jobID,
				"node_id": nodeID,
				"status":  job.Status,
				"message": fmt.Sprintf("Timeout after %ds. Job still %s. Use /api/results/%s to check later.",
					s.cfg.SubmitWait, job.Status, jobID),
			})
			return
		case <-ticker.C:
			job, err := s.store.GetJob(jobID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			if job.Status.Terminal() {
				writeJSON(w, http.StatusOK, terminalResponse{
					JobID:       job.ID,
					NodeID:      job.NodeID,
					Status:      string(job.Status),
					Stdout:      job.Stdout,
					Stderr:      job.Stderr,
					ExitCode:    job.ExitCode,
					StartedAt:   job.StartedAt,
					CompletedAt: job.CompletedAt,
				})
				return
			}
		}
	}
}

// persistArtifacts writes the submitted code and config under the jobs dir
func (s *Server) persistArtifacts(jobID string, code, config []byte) (string, string, error) {
	dir := filepath.Join(s.cfg.JobsDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create job dir: %w", err)
	}
	codePath := filepath.Join(dir, "script.py")
	if err := os.WriteFile(codePath, code, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write code: %w", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, config, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write config: %w", err)
	}
	return codePath, configPath, nil
}

func formFile(w http.ResponseWriter, r *http.Request, field string) ([]byte, bool) {
	file, _, err := r.FormFile(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field: "+field)
		return nil, false
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file field: "+field)
		return nil, false
	}
	return content, true
}

func missingField(cfg *types.SubmissionConfig) (string, bool) {
	switch {
	case cfg.CompetitionID == "":
		return "competition_id", true
	case cfg.ProjectID == "":
		return "project_id", true
	case cfg.UserID == "":
		return "user_id", true
	case cfg.ExpectedTime == 0:
		return "expected_time", true
	case cfg.Token == "":
		return "token", true
	}
	return "", false
}
