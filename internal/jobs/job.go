package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"nlp-backend/internal/database"

	"gorm.io/gorm"
)

// Job drives one training job through its task list. It owns the job row
// while the job is running: queued -> started -> success or error.
type Job struct {
	Data *database.TrainingJob

	db       *gorm.DB
	registry *SpecRegistry
	runner   TaskRunner
	jobDir   string

	// notify is invoked exactly once after the terminal status is persisted,
	// outside of any transaction, so the controller can release dependents
	// and trigger reloads.
	notify func(job *Job)

	killed atomic.Bool
	cancel context.CancelFunc
}

func NewJob(data *database.TrainingJob, db *gorm.DB, registry *SpecRegistry, runner TaskRunner, jobDir string, notify func(job *Job)) *Job {
	return &Job{
		Data:     data,
		db:       db,
		registry: registry,
		runner:   runner,
		jobDir:   jobDir,
		notify:   notify,
	}
}

// Start marks the job started and launches the run loop. It returns once
// the started status is persisted; completion is reported through notify.
func (j *Job) Start(ctx context.Context) error {
	slog.Info("starting job", "job_id", j.Data.Id, "job_type", j.Data.JobType, "language", j.Data.Language, "model_tag", j.Data.ModelTag.String)

	now := time.Now()
	j.Data.Status = database.JobStarted
	j.Data.StartTime = sql.NullTime{Time: now, Valid: true}

	err := j.db.WithContext(ctx).Model(&database.TrainingJob{}).Where("id = ?", j.Data.Id).Updates(map[string]any{
		"status": database.JobStarted, "start_time": now,
	}).Error
	if err != nil {
		slog.Error("error marking job started", "job_id", j.Data.Id, "error", err)
		return fmt.Errorf("error marking job started: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel

	go j.run(runCtx)

	return nil
}

func (j *Job) run(ctx context.Context) {
	defer j.cancel()

	tasks, ok := j.registry.Get(j.Data.JobType)
	if !ok {
		j.fail(ctx, fmt.Errorf("unknown job type %s", j.Data.JobType))
		return
	}

	taskStats := make(map[string]float64)

	base := 0.0
	for i, task := range tasks {
		if j.killed.Load() {
			j.fail(ctx, ErrKilled)
			return
		}

		slog.Info("job is now running task", "job_id", j.Data.Id, "task", task.Name)
		j.Data.TaskIndex = i
		j.Data.TaskName = task.Name
		j.Data.Progress = base

		err := j.db.WithContext(ctx).Model(&database.TrainingJob{}).Where("id = ?", j.Data.Id).Updates(map[string]any{
			"task_index": i, "task_name": task.Name, "progress": base,
		}).Error
		if err != nil {
			j.fail(ctx, fmt.Errorf("error updating job task: %w", err))
			return
		}

		start := time.Now()
		if task.Run != nil {
			err = j.runInProcess(ctx, task)
		} else {
			err = j.runner.Run(ctx, j.Data, task)
		}
		elapsed := time.Since(start)
		taskStats[task.Name] = elapsed.Seconds()

		if err != nil {
			if j.killed.Load() {
				err = ErrKilled
			}
			j.fail(ctx, err)
			return
		}

		slog.Info("job task completed", "job_id", j.Data.Id, "task", task.Name, "duration", elapsed.Round(time.Second))
		base += task.Weight
	}

	if j.killed.Load() {
		j.fail(ctx, ErrKilled)
		return
	}

	j.saveTaskStats(ctx, taskStats)
	j.complete(ctx)
}

func (j *Job) runInProcess(ctx context.Context, task TaskSpec) error {
	taskCtx, err := NewTaskContext(ctx, j.db, j.registry, j.Data.Id, task.Name, j.jobDir)
	if err != nil {
		return err
	}
	if err := taskCtx.SetProgress(ctx, 0); err != nil {
		return err
	}
	if err := task.Run(ctx, taskCtx); err != nil {
		return err
	}
	return taskCtx.SetProgress(ctx, 1)
}

func (j *Job) saveTaskStats(ctx context.Context, stats map[string]float64) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := j.db.WithContext(ctx).Model(&database.TrainingJob{}).Where("id = ?", j.Data.Id).Update("task_stats", data).Error; err != nil {
		slog.Error("error saving job task stats", "job_id", j.Data.Id, "error", err)
	}
	j.Data.TaskStats = data
}

// Kill requests cancellation. The run loop observes the flag at task
// boundaries; the active external task is terminated through the runner.
func (j *Job) Kill() {
	slog.Info("job killed", "job_id", j.Data.Id)
	j.killed.Store(true)
	j.runner.Kill(j.Data)
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *Job) fail(ctx context.Context, err error) {
	if !errors.Is(err, ErrKilled) {
		slog.Error("job failed", "job_id", j.Data.Id, "task", j.Data.TaskName, "error", err)
	}

	j.Data.Status = database.JobError
	j.Data.Error = sql.NullString{String: err.Error(), Valid: true}
	if dbErr := database.UpdateJobStatus(ctx, j.db, j.Data.Id, database.JobError, err.Error()); dbErr != nil {
		slog.Error("error persisting job failure", "job_id", j.Data.Id, "error", dbErr)
	}
	j.Data.EndTime = sql.NullTime{Time: time.Now(), Valid: true}

	j.notify(j)
}

func (j *Job) complete(ctx context.Context) {
	j.Data.Status = database.JobSuccess
	j.Data.Progress = 1.0

	err := j.db.WithContext(ctx).Model(&database.TrainingJob{}).Where("id = ?", j.Data.Id).Updates(map[string]any{
		"status": database.JobSuccess, "progress": 1.0, "end_time": time.Now(),
	}).Error
	if err != nil {
		slog.Error("error persisting job completion", "job_id", j.Data.Id, "error", err)
	}
	j.Data.EndTime = sql.NullTime{Time: time.Now(), Valid: true}

	slog.Info("job completed", "job_id", j.Data.Id, "job_type", j.Data.JobType, "language", j.Data.Language, "model_tag", j.Data.ModelTag.String)

	j.notify(j)
}
