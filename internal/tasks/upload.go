package tasks

import (
	"context"
	"fmt"
	"path/filepath"

	"nlp-backend/internal/database"
	"nlp-backend/internal/jobs"

	"gorm.io/gorm"
)

// uploadModel publishes the trained model produced under the job directory.
// It bumps the model version, syncs the output directory into the model
// store under the versioned name, records the evaluation metrics, and asks
// the serving fleet to pick up the new version.
func (r *Runtime) uploadModel(ctx context.Context, task *jobs.TaskContext) error {
	if !task.Job.ModelTag.Valid {
		return fmt.Errorf("job %s has no model tag", task.Job.Id)
	}
	tag := task.Job.ModelTag.String
	language := task.Job.Language
	outputDir := filepath.Join(task.JobDir, "output")

	err := task.DB().WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var model database.NLPModel
		if err := txn.First(&model, "tag = ? AND language = ?", tag, language).Error; err != nil {
			return fmt.Errorf("error loading model %s/%s: %w", tag, language, err)
		}
		newVersion := model.Version + 1

		modelDir := fmt.Sprintf("%s:%s-v%d", tag, language, newVersion)
		if err := r.store.UploadDir(ctx, r.modelsBucket, modelDir, outputDir); err != nil {
			return fmt.Errorf("error uploading model %s: %w", modelDir, err)
		}

		updates := map[string]any{
			"trained": true,
			"version": newVersion,
		}
		if len(task.Job.Metrics) > 0 {
			updates["metrics"] = task.Job.Metrics
		}
		if err := txn.Model(&database.NLPModel{}).
			Where("tag = ? AND language = ?", tag, language).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("error updating model %s/%s: %w", tag, language, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.notifier != nil {
		r.notifier.NotifyModelReload(ctx, tag, language)
	}
	return nil
}

// reloadExact asks the serving fleet to reload the language's exact-match
// index after a dataset update.
func (r *Runtime) reloadExact(ctx context.Context, task *jobs.TaskContext) error {
	if r.notifier == nil {
		return nil
	}

	tag := "default"
	if task.Job.ModelTag.Valid {
		tag = task.Job.ModelTag.String
	}
	r.notifier.NotifyExactReload(ctx, tag, task.Job.Language)
	return nil
}
