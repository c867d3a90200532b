package jobs

import (
	"context"
	"errors"

	"nlp-backend/internal/database"
)

// ErrKilled marks operator-initiated cancellation. It is distinct from a
// backend failure and is not logged as an error.
var ErrKilled = errors.New(database.ErrMsgKilled)

// TaskRunner executes one external task of a job to completion. Run blocks
// until the task finishes and returns nil on success, ErrKilled when the
// task was terminated by a kill, or a descriptive error otherwise.
//
// Implementations are interchangeable; the Job state machine never depends
// on which backend is configured.
type TaskRunner interface {
	Run(ctx context.Context, job *database.TrainingJob, task TaskSpec) error

	// Kill terminates the running task of the given job, if any. The
	// corresponding Run call returns ErrKilled.
	Kill(job *database.TrainingJob)
}
