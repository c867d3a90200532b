package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"nlp-backend/cmd"
	"nlp-backend/internal/daemon"
	"nlp-backend/internal/database"
	"nlp-backend/internal/jobs"
	"nlp-backend/internal/messaging"
)

type DaemonConfig struct {
	cmd.PipelineConfig
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	DaemonPort  string `env:"DAEMON_PORT" envDefault:"8190"`
	AccessToken string `env:"DAEMON_ACCESS_TOKEN,notEmpty,required"`

	JobsDir           string `env:"JOBS_DIR" envDefault:"/var/lib/nlp-training/jobs"`
	MaxConcurrentJobs int    `env:"MAX_CONCURRENT_JOBS" envDefault:"4"`

	// TaskBackend is "local" or "kubernetes".
	TaskBackend    string `env:"TRAINING_TASK_BACKEND" envDefault:"local"`
	WorkerBinary   string `env:"WORKER_BINARY" envDefault:"/usr/local/bin/worker"`
	WorkerMemoryMB int    `env:"WORKER_MEMORY_MB" envDefault:"16000"`

	KubernetesNamespace string        `env:"TRAINING_NAMESPACE" envDefault:"default"`
	WorkerImage         string        `env:"WORKER_IMAGE"`
	TaskTimeout         time.Duration `env:"TASK_TIMEOUT" envDefault:"24h"`
}

func newRunner(cfg DaemonConfig) jobs.TaskRunner {
	switch cfg.TaskBackend {
	case "local":
		return jobs.NewLocalRunner(cfg.WorkerBinary, cfg.JobsDir, cfg.WorkerMemoryMB)
	case "kubernetes":
		clusterCfg, err := rest.InClusterConfig()
		if err != nil {
			log.Fatalf("Failed to load cluster config: %v", err)
		}
		clientset, err := kubernetes.NewForConfig(clusterCfg)
		if err != nil {
			log.Fatalf("Failed to create Kubernetes client: %v", err)
		}
		return jobs.NewKubernetesRunner(clientset, jobs.KubernetesRunnerConfig{
			Namespace:   cfg.KubernetesNamespace,
			Image:       cfg.WorkerImage,
			JobsDir:     cfg.JobsDir,
			MemoryMB:    cfg.WorkerMemoryMB,
			TaskTimeout: cfg.TaskTimeout,
		})
	default:
		log.Fatalf("invalid training task backend %q", cfg.TaskBackend)
		return nil
	}
}

func main() {
	log.Println("Starting training controller...")

	cmd.LoadEnvFile()

	var cfg DaemonConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	runtime, err := cmd.NewTaskRuntime(cfg.PipelineConfig)
	if err != nil {
		log.Fatalf("Failed to create task runtime: %v", err)
	}
	registry, err := runtime.Specs()
	if err != nil {
		log.Fatalf("Failed to build job specs: %v", err)
	}

	var receiver messaging.Receiver
	if cfg.RabbitMQURL != "" {
		receiver, err = messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
	} else {
		log.Println("no queue configured, accepting jobs over the API only")
	}

	d := daemon.New(db, registry, newRunner(cfg), receiver, daemon.Config{
		JobsDir:           cfg.JobsDir,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})
	if err := d.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start daemon: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	daemon.NewAdminService(d, cfg.AccessToken).AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.DaemonPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down controller...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("controller API listening on port %s", cfg.DaemonPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.DaemonPort, err)
	}

	d.Stop()
	log.Println("Controller stopped.")
}
