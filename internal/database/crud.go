package database

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func GetJob(ctx context.Context, db *gorm.DB, jobId uuid.UUID) (*TrainingJob, error) {
	var job TrainingJob
	if err := db.WithContext(ctx).Preload("Devices").First(&job, "id = ?", jobId).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string, errMsg string) error {
	updates := map[string]any{"status": status}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status == JobSuccess || status == JobError {
		updates["end_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateJobProgress(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, progress float64, eta sql.NullTime) error {
	updates := map[string]any{"progress": progress}
	if eta.Valid {
		updates["eta"] = eta
	}

	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating job progress", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

// NextQueuedJob returns the oldest queued job of the given type that has no
// unresolved dependency, or nil if the queue is empty for that type.
func NextQueuedJob(ctx context.Context, db *gorm.DB, jobType string) (*TrainingJob, error) {
	var job TrainingJob
	err := db.WithContext(ctx).Preload("Devices").
		Where("job_type = ? AND status = ? AND depends_on IS NULL", jobType, JobQueued).
		Order("creation_time asc").
		First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// QueuedJobOfType finds an existing queued job for the same (type, language,
// tag) tuple, used to merge redundant retraining requests.
func QueuedJobOfType(ctx context.Context, db *gorm.DB, jobType, language string, modelTag sql.NullString) (*TrainingJob, error) {
	q := db.WithContext(ctx).Preload("Devices").
		Where("job_type = ? AND language = ? AND status = ?", jobType, language, JobQueued)
	if modelTag.Valid {
		q = q.Where("model_tag = ?", modelTag.String)
	} else {
		q = q.Where("model_tag IS NULL")
	}

	var job TrainingJob
	if err := q.Order("creation_time asc").First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// HasRunningConflict reports whether a started job for the same (type,
// language, tag) already exists, to prevent duplicate concurrent retraining.
func HasRunningConflict(ctx context.Context, db *gorm.DB, job *TrainingJob) (bool, error) {
	q := db.WithContext(ctx).Model(&TrainingJob{}).
		Where("job_type = ? AND language = ? AND status = ? AND id <> ?",
			job.JobType, job.Language, JobStarted, job.Id)
	if job.ModelTag.Valid {
		q = q.Where("model_tag = ?", job.ModelTag.String)
	} else {
		q = q.Where("model_tag IS NULL")
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func GetInProgressJobs(ctx context.Context, db *gorm.DB) ([]TrainingJob, error) {
	var jobs []TrainingJob
	if err := db.WithContext(ctx).Where("status = ?", JobStarted).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func GetDependents(ctx context.Context, db *gorm.DB, jobId uuid.UUID) ([]TrainingJob, error) {
	var jobs []TrainingJob
	if err := db.WithContext(ctx).Where("depends_on = ?", jobId).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ReleaseDependents clears the dependency edge on every job pointing at the
// completed job, making them eligible for pickup.
func ReleaseDependents(ctx context.Context, txn *gorm.DB, jobId uuid.UUID) error {
	if err := txn.WithContext(ctx).Model(&TrainingJob{}).
		Where("depends_on = ?", jobId).
		Update("depends_on", nil).Error; err != nil {
		slog.Error("error releasing dependent jobs", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func AddJobDevices(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, devices []string) error {
	for _, d := range devices {
		row := TrainingJobDevice{JobId: jobId, Device: d}
		if err := txn.WithContext(ctx).Where(row).FirstOrCreate(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// MakeForAllDevices widens a queued job's scope to every device and drops its
// now redundant device list.
func MakeForAllDevices(ctx context.Context, txn *gorm.DB, jobId uuid.UUID) error {
	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).
		Update("all_devices", true).Error; err != nil {
		return err
	}
	return txn.WithContext(ctx).Where("job_id = ?", jobId).Delete(&TrainingJobDevice{}).Error
}

func GetModelSpec(ctx context.Context, db *gorm.DB, tag, language string) (*NLPModel, error) {
	var spec NLPModel
	err := db.WithContext(ctx).First(&spec, "tag = ? AND language = ?", tag, language).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &spec, nil
}

func GetExactExamples(ctx context.Context, db *gorm.DB, language string) ([]Example, error) {
	var rows []Example
	err := db.WithContext(ctx).
		Where("language = ? AND exact = ? AND obsolete = ?", language, true, false).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
