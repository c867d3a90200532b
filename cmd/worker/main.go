package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"nlp-backend/cmd"
	"nlp-backend/internal/database"
	"nlp-backend/internal/jobs"
)

type WorkerConfig struct {
	cmd.PipelineConfig
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
}

func main() {
	var (
		jobIdArg = flag.String("job-id", "", "id of the job to run a task for")
		taskName = flag.String("task-name", "", "name of the task to run")
		jobDir   = flag.String("job-dir", "", "scratch directory for the job")
	)
	// LoadEnvFile registers --env and parses all flags
	cmd.LoadEnvFile()

	jobId, err := uuid.Parse(*jobIdArg)
	if err != nil {
		log.Fatalf("invalid --job-id %q: %v", *jobIdArg, err)
	}
	if *taskName == "" {
		log.Fatalf("missing --task-name")
	}

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	runtime, err := cmd.NewTaskRuntime(cfg.PipelineConfig)
	if err != nil {
		log.Fatalf("Failed to create task runtime: %v", err)
	}
	registry, err := runtime.Specs()
	if err != nil {
		log.Fatalf("Failed to build job specs: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("termination requested, stopping task")
		cancel()
	}()

	if *jobDir != "" {
		if err := os.MkdirAll(*jobDir, 0o755); err != nil {
			log.Fatalf("Failed to create job dir %s: %v", *jobDir, err)
		}
	}

	task, err := jobs.NewTaskContext(ctx, db, registry, jobId, *taskName, *jobDir)
	if err != nil {
		log.Fatalf("Failed to load task context: %v", err)
	}

	log.Printf("running task %s of job %s", *taskName, jobId)
	if err := task.SetProgress(ctx, 0); err != nil {
		log.Fatalf("Failed to record task start: %v", err)
	}

	if err := runtime.RunTask(ctx, task); err != nil {
		if errors.Is(err, jobs.ErrKilled) {
			// die by the signal so the controller records a kill, not a crash
			signal.Reset(syscall.SIGTERM)
			syscall.Kill(os.Getpid(), syscall.SIGTERM) //nolint:errcheck
		}
		log.Fatalf("task %s of job %s failed: %v", *taskName, jobId, err)
	}

	if err := task.SetProgress(ctx, 1); err != nil {
		log.Fatalf("Failed to record task completion: %v", err)
	}
	log.Printf("task %s of job %s completed", *taskName, jobId)
}
