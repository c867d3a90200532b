package tasks

import (
	"context"
	"fmt"

	"nlp-backend/internal/dataset"
	"nlp-backend/internal/jobs"
	"nlp-backend/internal/storage"
)

const (
	TaskUpdateDataset  = "update-dataset"
	TaskReloadExact    = "reload-exact"
	TaskPrepareDataset = "prepare-dataset"
	TaskTrain          = "train"
	TaskEvaluate       = "evaluate"
	TaskUpload         = "upload"
)

// CommandSpec is an external program that implements one task of the
// training pipeline. The program reports back through its stdout, see
// runCommand.
type CommandSpec struct {
	Command string
	Args    []string
}

// Commands configures the external programs behind the compute-heavy tasks.
type Commands struct {
	PrepareDataset CommandSpec
	Train          CommandSpec
	Evaluate       CommandSpec
}

// Runtime binds task bodies to their dependencies. The daemon uses it to
// build the job spec registry; the worker uses it to execute the task bodies
// that run out of process.
type Runtime struct {
	store          storage.ObjectStore
	datasetsBucket string
	modelsBucket   string

	generator dataset.Generator
	checker   dataset.TypeChecker

	commands Commands

	// nil when no serving fleet is configured
	notifier *ReloadNotifier
}

func NewRuntime(store storage.ObjectStore, datasetsBucket, modelsBucket string, generator dataset.Generator, checker dataset.TypeChecker, commands Commands, notifier *ReloadNotifier) *Runtime {
	return &Runtime{
		store:          store,
		datasetsBucket: datasetsBucket,
		modelsBucket:   modelsBucket,
		generator:      generator,
		checker:        checker,
		commands:       commands,
		notifier:       notifier,
	}
}

// Specs returns the task lists for every known job type. Tasks without a Run
// callback execute in the worker process via RunTask; the others run inside
// the daemon itself because they only touch the database and the network.
func (r *Runtime) Specs() (*jobs.SpecRegistry, error) {
	return jobs.NewSpecRegistry(map[string][]jobs.TaskSpec{
		jobs.JobTypeUpdateDataset: {
			{Name: TaskUpdateDataset, Weight: 0.9, Requests: jobs.Resources{CPU: 1.1}},
			{Name: TaskReloadExact, Weight: 0.1, Run: r.reloadExact},
		},
		jobs.JobTypeTrain: {
			{Name: TaskPrepareDataset, Weight: 0.1, Requests: jobs.Resources{CPU: 1.5}},
			{Name: TaskTrain, Weight: 0.7, ComputeEta: true, Requests: jobs.Resources{CPU: 2.5, GPU: 1}},
			{Name: TaskEvaluate, Weight: 0.1, Requests: jobs.Resources{CPU: 1.5}},
			{Name: TaskUpload, Weight: 0.1, Run: r.uploadModel},
		},
	})
}

// RunTask executes one external task body. This is the entrypoint of the
// worker process.
func (r *Runtime) RunTask(ctx context.Context, task *jobs.TaskContext) error {
	switch task.Name {
	case TaskUpdateDataset:
		return r.updateDataset(ctx, task)
	case TaskPrepareDataset:
		return r.runCommand(ctx, task, r.commands.PrepareDataset)
	case TaskTrain:
		return r.runCommand(ctx, task, r.commands.Train)
	case TaskEvaluate:
		return r.runCommand(ctx, task, r.commands.Evaluate)
	default:
		return fmt.Errorf("task %s does not run in the worker", task.Name)
	}
}
