package sshexec

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

// Remote paths for one job's artifacts
func (e *Executor) remoteScript() string {
	return path.Join(e.remote.WorkDir, "solution.py")
}

func (e *Executor) remoteResults() string {
	return path.Join(e.remote.WorkDir, "results.jsonl")
}

func (e *Executor) remoteStdout(jobID string) string {
	return path.Join(e.remote.TmpDir, fmt.Sprintf("job_%s.out", jobID))
}

func (e *Executor) remoteStderr(jobID string) string {
	return path.Join(e.remote.TmpDir, fmt.Sprintf("job_%s.err", jobID))
}

// Launch uploads the script and starts the grading command in the
// background, returning the remote pid. The process is detached from
// the controlling session (new session, no-hangup, null stdin) so a
// transport drop cannot deliver SIGHUP to the workload.
func (e *Executor) Launch(jobID, localScript, competitionID string) (int, error) {
	if _, _, _, err := e.Exec("mkdir -p " + e.remote.WorkDir); err != nil {
		return 0, fmt.Errorf("failed to prepare work dir: %w", err)
	}

	if err := e.Upload(localScript, e.remoteScript()); err != nil {
		return 0, fmt.Errorf("script upload failed: %w", err)
	}

	grading := fmt.Sprintf("cd %s && %s %s %s %s %s",
		e.remote.GraderDir,
		e.remote.Interpreter,
		e.remote.GraderBin,
		e.remoteScript(),
		competitionID,
		e.remoteResults(),
	)

	launch := fmt.Sprintf("setsid nohup bash -c '%s' > %s 2> %s </dev/null & echo $!",
		grading,
		e.remoteStdout(jobID),
		e.remoteStderr(jobID),
	)

	exitCode, stdout, stderr, err := e.Exec(launch)
	if err != nil {
		return 0, fmt.Errorf("launch failed: %w", err)
	}
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return 0, fmt.Errorf("launch failed: %s", strings.TrimSpace(stderr))
	}

	pid, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, fmt.Errorf("failed to parse pid from %q: %w", strings.TrimSpace(stdout), err)
	}

	e.logger.Info().Str("job_id", jobID).Int("pid", pid).Msg("Remote process launched")
	return pid, nil
}

// IsAlive reports whether the remote pid still runs
func (e *Executor) IsAlive(pid int) bool {
	cmd := fmt.Sprintf("ps -p %d > /dev/null 2>&1 && echo 'running' || echo 'stopped'", pid)
	_, stdout, _, err := e.Exec(cmd)
	if err != nil {
		return false
	}
	return strings.TrimSpace(stdout) == "running"
}

// Kill sends SIGKILL to the remote pid
func (e *Executor) Kill(pid int) bool {
	exitCode, _, _, err := e.Exec(fmt.Sprintf("kill -9 %d", pid))
	return err == nil && exitCode == 0
}

// FetchOutputs reads the results, stdout and stderr files for the job,
// recovering the transport between attempts. Backoff grows linearly
// with the attempt number; the retry budget comes from attempts.
func (e *Executor) FetchOutputs(jobID string, attempts int) (string, string, string, error) {
	var results, stdout, stderr string

	err := retry.Do(
		func() error {
			if err := e.EnsureConnected(); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}

			var err error
			if results, err = e.readFile(e.remoteResults()); err != nil {
				return err
			}
			if stdout, err = e.readFile(e.remoteStdout(jobID)); err != nil {
				return err
			}
			if stderr, err = e.readFile(e.remoteStderr(jobID)); err != nil {
				return err
			}
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			return time.Duration(n+1) * 5 * time.Second
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to retrieve job output after %d attempts: %w", attempts, err)
	}

	e.logger.Info().Str("job_id", jobID).Msg("Job output retrieved")
	return results, stdout, stderr, nil
}

// readFile returns the file's content, or empty when it does not exist
func (e *Executor) readFile(remotePath string) (string, error) {
	_, stdout, _, err := e.Exec(fmt.Sprintf("cat %s 2>/dev/null || echo -n ''", remotePath))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", remotePath, err)
	}
	return stdout, nil
}

// Cleanup removes the per-job files from the node, best effort
func (e *Executor) Cleanup(jobID string) {
	files := []string{
		e.remoteScript(),
		e.remoteResults(),
		e.remoteStdout(jobID),
		e.remoteStderr(jobID),
	}
	for _, f := range files {
		if _, _, _, err := e.Exec("rm -f " + f); err != nil {
			e.logger.Debug().Err(err).Str("file", f).Msg("Cleanup failed")
		}
	}
}

// RestartContainer restarts the node's container from the bastion
// (the node session would die with its own container), waits out the
// warm-up and reconnects.
func (e *Executor) RestartContainer(name string, warmup time.Duration) error {
	if e.bastion == nil {
		return fmt.Errorf("no bastion session for container restart")
	}

	session, err := e.bastion.NewSession()
	if err != nil {
		return fmt.Errorf("bastion session failed: %w", err)
	}
	defer session.Close()

	if err := session.Run("lxc restart " + name); err != nil {
		return fmt.Errorf("container restart failed: %w", err)
	}

	e.logger.Info().Str("container", name).Msg("Container restarted, waiting for warm-up")
	time.Sleep(warmup)

	e.Disconnect()
	return e.Connect()
}
