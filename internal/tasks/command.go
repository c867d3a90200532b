package tasks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"nlp-backend/internal/jobs"
)

// Control lines a task command may write to stdout. Everything else passes
// through to our own stdout unchanged.
const (
	progressPrefix = "progress:"
	metricsPrefix  = "metrics:"
)

// runCommand spawns the external program behind a task and relays its
// progress and metrics reports into the job row. The program receives the
// job directory and locale as flags and is expected to exit zero on success.
func (r *Runtime) runCommand(ctx context.Context, task *jobs.TaskContext, spec CommandSpec) error {
	if spec.Command == "" {
		return fmt.Errorf("no command configured for task %s", task.Name)
	}

	args := append([]string{}, spec.Args...)
	args = append(args,
		"--locale", task.Job.Language,
		"--job-dir", task.JobDir,
	)
	if task.Job.ModelTag.Valid {
		args = append(args, "--model-tag", task.Job.ModelTag.String)
	}

	cmd := exec.CommandContext(ctx, spec.Command, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error running task %s: %w", task.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error running task %s: %w", task.Name, err)
	}

	r.relayOutput(ctx, task, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return jobs.ErrKilled
		}
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	return nil
}

func (r *Runtime) relayOutput(ctx context.Context, task *jobs.TaskContext, output io.Reader) {
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, progressPrefix):
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, progressPrefix)), 64)
			if err != nil {
				slog.Warn("ignoring malformed progress line", "job_id", task.Job.Id, "line", line)
				continue
			}
			if err := task.SetProgress(ctx, value); err != nil {
				slog.Error("error recording progress", "job_id", task.Job.Id, "error", err)
			}

		case strings.HasPrefix(line, metricsPrefix):
			raw := json.RawMessage(strings.TrimSpace(strings.TrimPrefix(line, metricsPrefix)))
			if !json.Valid(raw) {
				slog.Warn("ignoring malformed metrics line", "job_id", task.Job.Id, "line", line)
				continue
			}
			if err := task.SetMetrics(ctx, raw); err != nil {
				slog.Error("error recording metrics", "job_id", task.Job.Id, "error", err)
			}

		default:
			fmt.Fprintln(os.Stdout, line)
		}
	}
}
