package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"nlp-backend/internal/database"
	"nlp-backend/internal/jobs"
	"nlp-backend/internal/messaging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobTypeUpdateDatasetTrain schedules an update-dataset job and train jobs
// depending on it, in one request.
const JobTypeUpdateDatasetTrain = "update-dataset,train"

const (
	DefaultMaxConcurrentJobs = 4
	DefaultPollInterval      = 10 * time.Second
)

type Config struct {
	JobsDir           string
	MaxConcurrentJobs int
	PollInterval      time.Duration
}

// Daemon is the training controller. It owns the job queue: requests come in
// over the message queue or the admin API, get queued or merged into
// existing queued jobs, and run one at a time per job type.
type Daemon struct {
	db       *gorm.DB
	registry *jobs.SpecRegistry
	runner   jobs.TaskRunner
	receiver messaging.Receiver
	cfg      Config

	mu      sync.Mutex
	current map[string]*jobs.Job

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(db *gorm.DB, registry *jobs.SpecRegistry, runner jobs.TaskRunner, receiver messaging.Receiver, cfg Config) *Daemon {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Daemon{
		db:       db,
		registry: registry,
		runner:   runner,
		receiver: receiver,
		cfg:      cfg,
		current:  make(map[string]*jobs.Job),
		stop:     make(chan struct{}),
	}
}

// Start recovers jobs interrupted by a previous controller crash, then
// begins consuming job requests and polling the queue.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.recoverInterrupted(ctx); err != nil {
		return err
	}

	if d.receiver != nil {
		d.wg.Add(1)
		go d.consume()
	}

	d.wg.Add(1)
	go d.poll()

	d.startAll(ctx)
	return nil
}

func (d *Daemon) Stop() {
	close(d.stop)
	if d.receiver != nil {
		d.receiver.Close()
	}
	d.wg.Wait()
}

// recoverInterrupted fails every job left in started state by a previous
// controller process. Their worker processes are gone; the jobs cannot be
// resumed, only rescheduled by whoever requested them.
func (d *Daemon) recoverInterrupted(ctx context.Context) error {
	interrupted, err := database.GetInProgressJobs(ctx, d.db)
	if err != nil {
		return fmt.Errorf("error recovering interrupted jobs: %w", err)
	}

	return d.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, job := range interrupted {
			slog.Warn("failing job interrupted by controller restart", "job_id", job.Id, "job_type", job.JobType)
			if err := d.failJob(ctx, txn, job.Id, database.ErrMsgControllerReset); err != nil {
				return err
			}
		}
		return nil
	})
}

// failJob marks a job failed and recursively fails everything that depends
// on it.
func (d *Daemon) failJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errMsg string) error {
	if err := database.UpdateJobStatus(ctx, txn, jobId, database.JobError, errMsg); err != nil {
		return err
	}
	return d.settleDependents(ctx, txn, jobId, true)
}

// settleDependents propagates a job's terminal state to the jobs that
// depend on it: failure cascades, success releases them for pickup.
func (d *Daemon) settleDependents(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, failed bool) error {
	if failed {
		dependents, err := database.GetDependents(ctx, txn, jobId)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			if err := d.failJob(ctx, txn, dep.Id, database.ErrMsgDependencyFailed); err != nil {
				return err
			}
		}
	}
	return database.ReleaseDependents(ctx, txn, jobId)
}

func (d *Daemon) consume() {
	defer d.wg.Done()

	for task := range d.receiver.Tasks() {
		d.processRequest(task)
	}
}

func (d *Daemon) processRequest(task messaging.Task) {
	ctx := context.Background()

	var payload messaging.JobRequestPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling job request", "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err := d.ScheduleJob(ctx, payload); err != nil {
		slog.Error("error scheduling requested job", "job_type", payload.JobType, "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acknowledging message from queue", "error", err)
	}
}

func (d *Daemon) poll() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.startAll(context.Background())
		case <-d.stop:
			return
		}
	}
}

// ScheduleJob validates a job request and queues the jobs it implies. A
// train request fans out into one job per affected model; the combined
// update-dataset,train type chains the train jobs behind the dataset job.
func (d *Daemon) ScheduleJob(ctx context.Context, req messaging.JobRequestPayload) error {
	if req.Language == "" {
		return fmt.Errorf("language must be specified")
	}

	err := d.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		switch req.JobType {
		case jobs.JobTypeUpdateDataset:
			_, err := d.queueOrMerge(ctx, txn, jobs.JobTypeUpdateDataset, req, nil, uuid.NullUUID{})
			return err

		case jobs.JobTypeTrain:
			return d.queueTrainJobs(ctx, txn, req, uuid.NullUUID{})

		case JobTypeUpdateDatasetTrain:
			datasetJob, err := d.queueOrMerge(ctx, txn, jobs.JobTypeUpdateDataset, req, nil, uuid.NullUUID{})
			if err != nil {
				return err
			}
			return d.queueTrainJobs(ctx, txn, req, uuid.NullUUID{UUID: datasetJob, Valid: true})

		default:
			return fmt.Errorf("invalid job type %s", req.JobType)
		}
	})
	if err != nil {
		return err
	}

	d.startAll(ctx)
	return nil
}

func (d *Daemon) queueTrainJobs(ctx context.Context, txn *gorm.DB, req messaging.JobRequestPayload, dependsOn uuid.NullUUID) error {
	models, err := d.affectedModels(ctx, txn, req)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("no models match the request")
	}

	for _, model := range models {
		if _, err := d.queueOrMerge(ctx, txn, jobs.JobTypeTrain, req, &model, dependsOn); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) affectedModels(ctx context.Context, txn *gorm.DB, req messaging.JobRequestPayload) ([]database.NLPModel, error) {
	query := txn.WithContext(ctx).Where("language = ?", req.Language)
	if req.ModelTag != "" {
		query = query.Where("tag = ?", req.ModelTag)
	}

	var models []database.NLPModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("error loading models: %w", err)
	}
	return models, nil
}

// queueOrMerge queues one job. When an equivalent job of the same (type,
// language, tag) is already queued with no dependency, the request merges
// into it instead: the device scope widens and the config refreshes, so a
// burst of catalog changes produces a single retraining run.
func (d *Daemon) queueOrMerge(ctx context.Context, txn *gorm.DB, jobType string, req messaging.JobRequestPayload, model *database.NLPModel, dependsOn uuid.NullUUID) (uuid.UUID, error) {
	var modelTag sql.NullString
	config := []byte(req.Config)
	if model != nil {
		modelTag = sql.NullString{String: model.Tag, Valid: true}
		if len(config) == 0 {
			config = model.Config
		}
	}

	if !dependsOn.Valid {
		queued, err := database.QueuedJobOfType(ctx, txn, jobType, req.Language, modelTag)
		if err != nil {
			return uuid.Nil, err
		}
		if queued != nil {
			return queued.Id, d.mergeInto(ctx, txn, queued, req.Devices, config)
		}
	}

	job := &database.TrainingJob{
		Id:           uuid.New(),
		JobType:      jobType,
		DependsOn:    dependsOn,
		Language:     req.Language,
		ModelTag:     modelTag,
		AllDevices:   len(req.Devices) == 0,
		Status:       database.JobQueued,
		Config:       config,
		CreationTime: time.Now(),
	}
	for _, device := range req.Devices {
		job.Devices = append(job.Devices, database.TrainingJobDevice{JobId: job.Id, Device: device})
	}

	if err := txn.WithContext(ctx).Create(job).Error; err != nil {
		return uuid.Nil, fmt.Errorf("error queueing %s job: %w", jobType, err)
	}

	slog.Info("queued job", "job_id", job.Id, "job_type", jobType, "language", req.Language, "model_tag", modelTag.String)
	return job.Id, nil
}

func (d *Daemon) mergeInto(ctx context.Context, txn *gorm.DB, queued *database.TrainingJob, devices []string, config []byte) error {
	if len(config) > 0 && string(queued.Config) != string(config) {
		if err := txn.WithContext(ctx).Model(&database.TrainingJob{}).Where("id = ?", queued.Id).Update("config", config).Error; err != nil {
			return fmt.Errorf("error merging job config: %w", err)
		}
	}

	if queued.AllDevices {
		return nil
	}
	if len(devices) == 0 {
		return database.MakeForAllDevices(ctx, txn, queued.Id)
	}
	return database.AddJobDevices(ctx, txn, queued.Id, devices)
}

func (d *Daemon) startAll(ctx context.Context) {
	for _, jobType := range d.registry.JobTypes() {
		d.startNext(ctx, jobType)
	}
}

// startNext picks up the oldest eligible queued job of a type, unless one of
// that type is already running or the global concurrency bound is reached.
func (d *Daemon) startNext(ctx context.Context, jobType string) {
	d.mu.Lock()
	busy := d.current[jobType] != nil || len(d.current) >= d.cfg.MaxConcurrentJobs
	d.mu.Unlock()
	if busy {
		return
	}

	next, err := database.NextQueuedJob(ctx, d.db, jobType)
	if err != nil {
		slog.Error("error polling job queue", "job_type", jobType, "error", err)
		return
	}
	if next == nil {
		return
	}

	conflict, err := database.HasRunningConflict(ctx, d.db, next)
	if err != nil {
		slog.Error("error checking for conflicting jobs", "job_id", next.Id, "error", err)
		return
	}
	if conflict {
		// leave it queued, the next poll will retry
		return
	}

	job := jobs.NewJob(next, d.db, d.registry, d.runner,
		filepath.Join(d.cfg.JobsDir, next.Id.String()), d.jobComplete)

	d.mu.Lock()
	if d.current[jobType] != nil {
		d.mu.Unlock()
		return
	}
	d.current[jobType] = job
	d.mu.Unlock()

	if err := job.Start(ctx); err != nil {
		d.mu.Lock()
		delete(d.current, jobType)
		d.mu.Unlock()
	}
}

// jobComplete runs after a job persisted its terminal status. Dependency
// edges are settled in their own transaction, then the queue advances.
func (d *Daemon) jobComplete(job *jobs.Job) {
	d.mu.Lock()
	if d.current[job.Data.JobType] == job {
		delete(d.current, job.Data.JobType)
	}
	d.mu.Unlock()

	ctx := context.Background()
	err := d.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		return d.settleDependents(ctx, txn, job.Data.Id, job.Data.Status == database.JobError)
	})
	if err != nil {
		slog.Error("error settling dependent jobs", "job_id", job.Data.Id, "error", err)
	}

	d.startAll(ctx)
}

// KillJob cancels a job. Running jobs are killed through their runner and
// complete asynchronously; queued jobs fail in place along with their
// dependents.
func (d *Daemon) KillJob(ctx context.Context, jobId uuid.UUID) error {
	d.mu.Lock()
	var running *jobs.Job
	for _, job := range d.current {
		if job.Data.Id == jobId {
			running = job
			break
		}
	}
	d.mu.Unlock()

	if running != nil {
		running.Kill()
		return nil
	}

	job, err := database.GetJob(ctx, d.db, jobId)
	if err != nil {
		return err
	}
	if job.Status == database.JobSuccess || job.Status == database.JobError {
		return nil
	}

	return d.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		return d.failJob(ctx, txn, jobId, database.ErrMsgKilled)
	})
}
