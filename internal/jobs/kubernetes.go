package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"nlp-backend/internal/database"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	trainingJobLabel = "training-job"
	jobIdLabel       = "nlp-backend/job-id"
	jobIdTaskLabel   = "nlp-backend/job-id-task"
)

type KubernetesRunnerConfig struct {
	Namespace     string
	Image         string
	JobNamePrefix string
	JobsDir       string
	MemoryMB      int
	ExtraLabels   map[string]string

	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// KubernetesRunner executes tasks as batch jobs in the cluster, one job per
// task. Task completion is observed by polling; a finished job is deleted
// along with its pods.
type KubernetesRunner struct {
	client kubernetes.Interface
	cfg    KubernetesRunnerConfig
}

var _ TaskRunner = (*KubernetesRunner)(nil)

func NewKubernetesRunner(client kubernetes.Interface, cfg KubernetesRunnerConfig) *KubernetesRunner {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 24 * time.Hour
	}
	return &KubernetesRunner{client: client, cfg: cfg}
}

func (r *KubernetesRunner) labels(job *database.TrainingJob, task TaskSpec) map[string]string {
	labels := map[string]string{
		"app":          trainingJobLabel,
		jobIdLabel:     job.Id.String(),
		jobIdTaskLabel: fmt.Sprintf("%s-%s", job.Id, task.Name),
	}
	for key, value := range r.cfg.ExtraLabels {
		labels[key] = value
	}
	return labels
}

func (r *KubernetesRunner) buildJob(job *database.TrainingJob, task TaskSpec) *batchv1.Job {
	labels := r.labels(job, task)

	image := r.cfg.Image
	if task.Requests.GPU > 0 {
		image += "-cuda"
	}

	container := corev1.Container{
		Name:            "main",
		Image:           image,
		ImagePullPolicy: corev1.PullAlways,
		Args: []string{
			"--job-id", job.Id.String(),
			"--task-name", task.Name,
			"--job-dir", path.Join(r.cfg.JobsDir, job.Id.String()),
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(task.Requests.CPU*1000), resource.DecimalSI),
				corev1.ResourceMemory: *resource.NewQuantity(int64(r.cfg.MemoryMB+100)*1024*1024, resource.BinarySI),
			},
		},
	}

	var tolerations []corev1.Toleration
	if task.Requests.GPU > 0 {
		container.Resources.Limits = corev1.ResourceList{
			corev1.ResourceName("nvidia.com/gpu"): *resource.NewQuantity(int64(task.Requests.GPU), resource.DecimalSI),
		}
		tolerations = append(tolerations, corev1.Toleration{
			Key:      "nvidia.com/gpu",
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		})
	}

	backoffLimit := int32(2)
	ttl := int32(600)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   fmt.Sprintf("%straining-job-%s-%s", r.cfg.JobNamePrefix, job.Id, task.Name),
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			Completions:             ptr(int32(1)),
			Parallelism:             ptr(int32(1)),
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
					Tolerations:   tolerations,
				},
			},
		},
	}
}

func (r *KubernetesRunner) Run(ctx context.Context, job *database.TrainingJob, task TaskSpec) error {
	created, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, r.buildJob(job, task), metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create cluster job for task %s: %w", task.Name, err)
	}
	slog.Info("created cluster job", "name", created.Name, "job_id", job.Id, "task", task.Name)

	deadline := time.Now().Add(r.cfg.TaskTimeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.deleteJob(created.Name)
			return ErrKilled
		case <-ticker.C:
		}

		current, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Get(ctx, created.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				// deleted from under us, treat as a kill
				return ErrKilled
			}
			slog.Warn("failed to poll cluster job", "name", created.Name, "error", err)
			continue
		}

		if current.Status.Succeeded > 0 {
			r.deleteJob(created.Name)
			return nil
		}
		for _, condition := range current.Status.Conditions {
			if condition.Type == batchv1.JobFailed && condition.Status == corev1.ConditionTrue {
				r.deleteJob(created.Name)
				if condition.Message != "" {
					return fmt.Errorf("cluster job failed: %s", condition.Message)
				}
				return fmt.Errorf("cluster job failed")
			}
		}

		if time.Now().After(deadline) {
			r.deleteJob(created.Name)
			return fmt.Errorf("cluster job for task %s timed out after %v", task.Name, r.cfg.TaskTimeout)
		}
	}
}

func (r *KubernetesRunner) deleteJob(name string) {
	propagation := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).Delete(context.Background(), name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		slog.Error("failed to delete cluster job", "name", name, "error", err)
	}
}

// Kill deletes every cluster job belonging to the training job. The polling
// loop observes the deletion and reports the task as killed.
func (r *KubernetesRunner) Kill(job *database.TrainingJob) {
	propagation := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).DeleteCollection(context.Background(),
		metav1.DeleteOptions{PropagationPolicy: &propagation},
		metav1.ListOptions{LabelSelector: fmt.Sprintf("app=%s,%s=%s", trainingJobLabel, jobIdLabel, job.Id)},
	)
	if err != nil {
		slog.Error("failed to kill cluster jobs", "job_id", job.Id, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
