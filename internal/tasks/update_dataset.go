package tasks

import (
	"context"
	"log/slog"

	"nlp-backend/internal/dataset"
	"nlp-backend/internal/jobs"
)

// updateDataset regenerates the synthetic dataset for the job's language,
// restricted to the job's devices unless the job covers all of them.
func (r *Runtime) updateDataset(ctx context.Context, task *jobs.TaskContext) error {
	cfg := dataset.DefaultConfig()
	if err := task.Config(&cfg); err != nil {
		return err
	}

	var scope *dataset.ScopePattern
	if !task.Job.AllDevices {
		devices := make([]string, 0, len(task.Job.Devices))
		for _, d := range task.Job.Devices {
			devices = append(devices, d.Device)
		}
		scope = dataset.NewScopePattern(devices)
	}

	updater := dataset.NewUpdater(task.DB(), r.generator, r.checker, r.store, r.datasetsBucket,
		task.Job.Language, scope, cfg, func(value float64) {
			if err := task.SetProgress(ctx, value); err != nil {
				slog.Error("error recording progress", "job_id", task.Job.Id, "error", err)
			}
		})

	return updater.Run(ctx)
}
