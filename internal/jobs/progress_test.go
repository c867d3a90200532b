package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"nlp-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func etaRegistry(t *testing.T) *SpecRegistry {
	registry, err := NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "prepare", Weight: 0.3},
			{Name: "train", Weight: 0.7, ComputeEta: true},
		},
	})
	require.NoError(t, err)
	return registry
}

func startedJob(t *testing.T, db *gorm.DB, taskIndex int, taskName string) *database.TrainingJob {
	job := &database.TrainingJob{
		Id:           uuid.New(),
		JobType:      "train",
		Language:     "en",
		Status:       database.JobStarted,
		TaskIndex:    taskIndex,
		TaskName:     taskName,
		CreationTime: time.Now(),
		StartTime:    sql.NullTime{Time: time.Now(), Valid: true},
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestSetProgressRescalesToJobProgress(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	row := startedJob(t, db, 1, "train")

	task, err := NewTaskContext(ctx, db, etaRegistry(t), row.Id, "train", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, task.SetProgress(ctx, 0.5))

	stored, err := database.GetJob(ctx, db, row.Id)
	require.NoError(t, err)
	assert.InDelta(t, 0.3+0.5*0.7, stored.Progress, 1e-9)
}

func TestSetProgressIsMonotonic(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	row := startedJob(t, db, 1, "train")

	task, err := NewTaskContext(ctx, db, etaRegistry(t), row.Id, "train", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, task.SetProgress(ctx, 0.6))
	require.NoError(t, task.SetProgress(ctx, 0.2))

	stored, err := database.GetJob(ctx, db, row.Id)
	require.NoError(t, err)
	assert.InDelta(t, 0.3+0.6*0.7, stored.Progress, 1e-9)
}

func TestEtaRequiresFullWindow(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	row := startedJob(t, db, 1, "train")

	task, err := NewTaskContext(ctx, db, etaRegistry(t), row.Id, "train", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, task.SetProgress(ctx, 0.1))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, task.SetProgress(ctx, 0.2))

	stored, err := database.GetJob(ctx, db, row.Id)
	require.NoError(t, err)
	assert.False(t, stored.Eta.Valid)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, task.SetProgress(ctx, 0.3))

	stored, err = database.GetJob(ctx, db, row.Id)
	require.NoError(t, err)
	require.True(t, stored.Eta.Valid)
	assert.True(t, stored.Eta.Time.After(time.Now().Add(etaBuffer-time.Minute)))
}

func TestEtaNotComputedForUntrackedTasks(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	row := startedJob(t, db, 0, "prepare")

	task, err := NewTaskContext(ctx, db, etaRegistry(t), row.Id, "prepare", t.TempDir())
	require.NoError(t, err)

	for _, value := range []float64{0.2, 0.4, 0.6, 0.8} {
		require.NoError(t, task.SetProgress(ctx, value))
	}

	stored, err := database.GetJob(ctx, db, row.Id)
	require.NoError(t, err)
	assert.False(t, stored.Eta.Valid)
}
