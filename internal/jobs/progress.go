package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"nlp-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	etaWindowSize = 3

	// fixed allowance for validation and upload after the tracked task
	etaBuffer = 20 * time.Minute
)

type progressSample struct {
	at       time.Time
	progress float64
}

// TaskContext is the task body's view of its job. It is constructed by
// whichever process executes the task (the controller for in-process tasks,
// the worker otherwise) and persists progress, ETA and metrics straight to
// the job row, which is the sole progress-reporting surface.
type TaskContext struct {
	db *gorm.DB

	Job    database.TrainingJob
	Name   string
	JobDir string

	spec TaskSpec
	base float64

	samples []progressSample
}

func NewTaskContext(ctx context.Context, db *gorm.DB, registry *SpecRegistry, jobId uuid.UUID, taskName, jobDir string) (*TaskContext, error) {
	job, err := database.GetJob(ctx, db, jobId)
	if err != nil {
		return nil, err
	}

	spec, base, err := registry.find(job.JobType, taskName)
	if err != nil {
		return nil, err
	}

	return &TaskContext{
		db:     db,
		Job:    *job,
		Name:   taskName,
		JobDir: jobDir,
		spec:   spec,
		base:   base,
	}, nil
}

// Config unmarshals the job's config into dst. A job with no config is not
// an error; dst keeps its defaults.
func (t *TaskContext) Config(dst any) error {
	if len(t.Job.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Job.Config, dst); err != nil {
		return fmt.Errorf("error parsing config for job %s: %w", t.Job.Id, err)
	}
	return nil
}

func (t *TaskContext) DB() *gorm.DB {
	return t.db
}

// SetProgress rescales the task-local fraction into job-global progress and
// persists it. Job progress never moves backwards within a run.
func (t *TaskContext) SetProgress(ctx context.Context, value float64) error {
	global := t.base + value*t.spec.Weight
	if global < t.Job.Progress {
		return nil
	}

	if math.Floor(global*100) > math.Floor(t.Job.Progress*100) {
		slog.Info("job progress", "job_id", t.Job.Id, "progress", math.Floor(global*100)/100)
	}
	t.Job.Progress = global

	eta := t.Job.Eta
	if t.spec.ComputeEta {
		eta = t.updateEta(global)
		t.Job.Eta = eta
	}

	return database.UpdateJobProgress(ctx, t.db, t.Job.Id, global, eta)
}

// updateEta keeps a sliding window of recent samples and projects completion
// from the average instantaneous rate. No ETA is reported until the window
// is full.
func (t *TaskContext) updateEta(progress float64) sql.NullTime {
	now := time.Now()
	t.samples = append(t.samples, progressSample{at: now, progress: progress})
	if len(t.samples) > etaWindowSize {
		t.samples = t.samples[1:]
	}
	if len(t.samples) < etaWindowSize {
		return t.Job.Eta
	}

	rateSum := 0.0
	for i := 1; i < len(t.samples); i++ {
		timeDelta := t.samples[i].at.Sub(t.samples[i-1].at).Seconds()
		stepDelta := t.samples[i].progress - t.samples[i-1].progress
		if timeDelta <= 0 {
			return t.Job.Eta
		}
		rateSum += stepDelta / timeDelta
	}
	avgRate := rateSum / float64(len(t.samples)-1)
	if avgRate <= 0 {
		return t.Job.Eta
	}

	remaining := time.Duration((1-progress)/avgRate) * time.Second
	return sql.NullTime{Time: now.Add(remaining + etaBuffer), Valid: true}
}

func (t *TaskContext) SetMetrics(ctx context.Context, metrics any) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("error serializing metrics for job %s: %w", t.Job.Id, err)
	}

	if err := t.db.WithContext(ctx).Model(&database.TrainingJob{}).Where("id = ?", t.Job.Id).Update("metrics", data).Error; err != nil {
		slog.Error("error updating job metrics", "job_id", t.Job.Id, "error", err)
		return fmt.Errorf("error updating job metrics: %w", err)
	}
	t.Job.Metrics = data
	return nil
}
