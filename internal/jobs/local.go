package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"nlp-backend/internal/database"

	"github.com/google/uuid"
)

// LocalRunner executes tasks by spawning the worker binary as a child
// process. Dataset generation and training are long-running and CPU heavy,
// so they never run inside the controller process itself.
type LocalRunner struct {
	workerBin string
	jobsDir   string
	memoryMB  int

	mu   sync.Mutex
	runs map[uuid.UUID]*exec.Cmd
}

var _ TaskRunner = (*LocalRunner)(nil)

func NewLocalRunner(workerBin, jobsDir string, memoryMB int) *LocalRunner {
	return &LocalRunner{
		workerBin: workerBin,
		jobsDir:   jobsDir,
		memoryMB:  memoryMB,
		runs:      make(map[uuid.UUID]*exec.Cmd),
	}
}

// forwardOutput copies the child's output line by line into our own,
// prefixed with the job id.
func forwardOutput(dst io.Writer, src io.Reader, jobId uuid.UUID) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(dst, "job %s: %s\n", jobId, scanner.Text())
	}
}

func (r *LocalRunner) Run(ctx context.Context, job *database.TrainingJob, task TaskSpec) error {
	cmd := exec.Command(r.workerBin,
		"--job-id", job.Id.String(),
		"--task-name", task.Name,
		"--job-dir", filepath.Join(r.jobsDir, job.Id.String()),
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("GOMEMLIMIT=%dMiB", r.memoryMB))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error starting task %s: %w", task.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error starting task %s: %w", task.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting task %s: %w", task.Name, err)
	}

	r.mu.Lock()
	r.runs[job.Id] = cmd
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forwardOutput(os.Stdout, stdout, job.Id)
	}()
	go func() {
		defer wg.Done()
		forwardOutput(os.Stderr, stderr, job.Id)
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		cmd.Process.Signal(syscall.SIGTERM)
		waitErr = <-done
	}

	r.mu.Lock()
	delete(r.runs, job.Id)
	r.mu.Unlock()

	return interpretExit(waitErr)
}

func interpretExit(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				return ErrKilled
			}
			return fmt.Errorf("command crashed with signal %v", sig)
		}
		return fmt.Errorf("command exited with code %d", exitErr.ExitCode())
	}
	return err
}

func (r *LocalRunner) Kill(job *database.TrainingJob) {
	r.mu.Lock()
	cmd := r.runs[job.Id]
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}
