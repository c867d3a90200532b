package jobs

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"nlp-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	// named so the job goroutine's pooled connection sees the same
	// database, but distinct per test
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	failOn string

	blockOn string
	killed  chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, job *database.TrainingJob, task TaskSpec) error {
	r.mu.Lock()
	r.ran = append(r.ran, task.Name)
	r.mu.Unlock()

	if task.Name == r.blockOn {
		<-r.killed
		return ErrKilled
	}
	if task.Name == r.failOn {
		return assert.AnError
	}
	return nil
}

func (r *fakeRunner) Kill(job *database.TrainingJob) {
	if r.killed != nil {
		close(r.killed)
	}
}

func (r *fakeRunner) tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func testRegistry(t *testing.T) *SpecRegistry {
	registry, err := NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "prepare", Weight: 0.3},
			{Name: "train", Weight: 0.7},
		},
	})
	require.NoError(t, err)
	return registry
}

func queuedJob(t *testing.T, db *gorm.DB) *database.TrainingJob {
	job := &database.TrainingJob{
		Id:           uuid.New(),
		JobType:      "train",
		Language:     "en",
		ModelTag:     sql.NullString{String: "org.example.test", Valid: true},
		Status:       database.JobQueued,
		CreationTime: time.Now(),
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func waitForNotify(t *testing.T, done chan *Job) *Job {
	select {
	case job := <-done:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job completion")
		return nil
	}
}

func TestJobRunsTasksInOrder(t *testing.T) {
	db := createDB(t)
	row := queuedJob(t, db)

	runner := &fakeRunner{}
	done := make(chan *Job, 1)
	job := NewJob(row, db, testRegistry(t), runner, t.TempDir(), func(j *Job) { done <- j })

	require.NoError(t, job.Start(context.Background()))
	waitForNotify(t, done)

	assert.Equal(t, []string{"prepare", "train"}, runner.tasks())

	stored, err := database.GetJob(context.Background(), db, row.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobSuccess, stored.Status)
	assert.Equal(t, 1.0, stored.Progress)
	assert.True(t, stored.StartTime.Valid)
	assert.True(t, stored.EndTime.Valid)
	assert.NotEmpty(t, stored.TaskStats)
}

func TestJobTaskFailureIsFatal(t *testing.T) {
	db := createDB(t)
	row := queuedJob(t, db)

	runner := &fakeRunner{failOn: "prepare"}
	done := make(chan *Job, 1)
	job := NewJob(row, db, testRegistry(t), runner, t.TempDir(), func(j *Job) { done <- j })

	require.NoError(t, job.Start(context.Background()))
	waitForNotify(t, done)

	// the failing task aborts the job, later tasks never run
	assert.Equal(t, []string{"prepare"}, runner.tasks())

	stored, err := database.GetJob(context.Background(), db, row.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobError, stored.Status)
	assert.Equal(t, assert.AnError.Error(), stored.Error.String)
}

func TestJobKill(t *testing.T) {
	db := createDB(t)
	row := queuedJob(t, db)

	runner := &fakeRunner{blockOn: "prepare", killed: make(chan struct{})}
	done := make(chan *Job, 1)
	job := NewJob(row, db, testRegistry(t), runner, t.TempDir(), func(j *Job) { done <- j })

	require.NoError(t, job.Start(context.Background()))

	// wait until the first task is running, then kill
	require.Eventually(t, func() bool { return len(runner.tasks()) > 0 }, 5*time.Second, 10*time.Millisecond)
	job.Kill()
	waitForNotify(t, done)

	stored, err := database.GetJob(context.Background(), db, row.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobError, stored.Status)
	assert.Equal(t, database.ErrMsgKilled, stored.Error.String)

	// only the killed task ran
	assert.Equal(t, []string{"prepare"}, runner.tasks())
}

func TestJobRunsInProcessTasks(t *testing.T) {
	db := createDB(t)

	var inProcess []string
	registry, err := NewSpecRegistry(map[string][]TaskSpec{
		"train": {
			{Name: "prepare", Weight: 0.5},
			{Name: "upload", Weight: 0.5, Run: func(ctx context.Context, task *TaskContext) error {
				inProcess = append(inProcess, task.Name)
				return nil
			}},
		},
	})
	require.NoError(t, err)

	row := queuedJob(t, db)
	runner := &fakeRunner{}
	done := make(chan *Job, 1)
	job := NewJob(row, db, registry, runner, t.TempDir(), func(j *Job) { done <- j })

	require.NoError(t, job.Start(context.Background()))
	waitForNotify(t, done)

	assert.Equal(t, []string{"prepare"}, runner.tasks())
	assert.Equal(t, []string{"upload"}, inProcess)

	stored, err := database.GetJob(context.Background(), db, row.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobSuccess, stored.Status)
}
