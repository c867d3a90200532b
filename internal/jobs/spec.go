package jobs

import (
	"context"
	"fmt"
	"math"
)

const (
	JobTypeUpdateDataset = "update-dataset"
	JobTypeTrain         = "train"
)

type Resources struct {
	CPU float64
	GPU int
}

// TaskSpec describes one step of a job. External tasks (Run == nil) are
// handed to the configured TaskRunner, which executes them in a separate
// process or cluster job. Tasks with a Run callback execute inside the
// controller process itself.
type TaskSpec struct {
	Name   string
	Weight float64

	// ComputeEta enables ETA projection from this task's progress updates.
	ComputeEta bool

	Requests Resources

	Run func(ctx context.Context, task *TaskContext) error
}

// SpecRegistry maps a job type to its ordered task list. Task weights for
// each job type must sum to 1, so that per-task progress can be rescaled
// into job-global progress.
type SpecRegistry struct {
	specs map[string][]TaskSpec
}

func NewSpecRegistry(specs map[string][]TaskSpec) (*SpecRegistry, error) {
	for jobType, tasks := range specs {
		if len(tasks) == 0 {
			return nil, fmt.Errorf("job type %s has no tasks", jobType)
		}

		total := 0.0
		seen := make(map[string]struct{})
		for _, task := range tasks {
			if _, ok := seen[task.Name]; ok {
				return nil, fmt.Errorf("job type %s has duplicate task %s", jobType, task.Name)
			}
			seen[task.Name] = struct{}{}
			total += task.Weight
		}
		if math.Abs(total-1.0) > 1e-9 {
			return nil, fmt.Errorf("task weights for job type %s sum to %v, expected 1", jobType, total)
		}
	}

	return &SpecRegistry{specs: specs}, nil
}

func (r *SpecRegistry) Get(jobType string) ([]TaskSpec, bool) {
	tasks, ok := r.specs[jobType]
	return tasks, ok
}

func (r *SpecRegistry) JobTypes() []string {
	types := make([]string, 0, len(r.specs))
	for jobType := range r.specs {
		types = append(types, jobType)
	}
	return types
}

// find returns the named task and the cumulative weight of the tasks before
// it, which is the base for rescaling that task's progress.
func (r *SpecRegistry) find(jobType, taskName string) (TaskSpec, float64, error) {
	tasks, ok := r.specs[jobType]
	if !ok {
		return TaskSpec{}, 0, fmt.Errorf("unknown job type %s", jobType)
	}

	base := 0.0
	for _, task := range tasks {
		if task.Name == taskName {
			return task, base, nil
		}
		base += task.Weight
	}
	return TaskSpec{}, 0, fmt.Errorf("job type %s has no task %s", jobType, taskName)
}
